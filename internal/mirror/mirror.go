// Package mirror implements the content-addressed image mirror (spec.md
// section 4.C): download a partner image, probe its format, hash it, and
// upload it to the object store under a stable {hash}.{ext} key. An
// in-memory map dedupes repeat mirrors of the same source URL for
// image_ttl.
package mirror

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/newtab-tiles/tile-gateway/internal/gatewayerrors"
	"github.com/newtab-tiles/tile-gateway/internal/store"
)

// MirroredImage is the result of a successful mirror (spec.md section 4.C).
type MirroredImage struct {
	PublicURL string
	Size      *int // decoded width in pixels; nil if probing was skipped/failed
}

// Metrics receives upload/error observations. Nil is valid.
type Metrics interface {
	ObserveMirrorUpload()
	ObserveMirrorError()
}

// Mirror downloads, probes, hashes, and uploads tile images, deduping by
// source URL.
type Mirror struct {
	store        store.Store
	client       *http.Client
	cdnPrefix    string
	ttl          time.Duration
	fetchTimeout time.Duration
	metrics      Metrics

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	img       MirroredImage
	expiresAt time.Time
}

// New creates a Mirror backed by st, serving mirrored URLs under
// cdnPrefix, deduping hits for ttl, and bounding each download by
// fetchTimeout. m may be nil.
func New(st store.Store, cdnPrefix string, ttl, fetchTimeout time.Duration, m Metrics) *Mirror {
	return &Mirror{
		store:        st,
		client:       &http.Client{Timeout: fetchTimeout},
		cdnPrefix:    cdnPrefix,
		ttl:          ttl,
		fetchTimeout: fetchTimeout,
		metrics:      m,
		cache:        make(map[string]cacheEntry),
	}
}

// Mirror mirrors the image at srcURL, returning its CDN public URL. A hit
// in the in-memory dedupe map returns without any network I/O.
func (m *Mirror) Mirror(ctx context.Context, srcURL string, now time.Time) (MirroredImage, error) {
	if img, ok := m.lookup(srcURL, now); ok {
		return img, nil
	}

	body, err := m.download(ctx, srcURL)
	if err != nil {
		m.observeError()
		return MirroredImage{}, gatewayerrors.Internal(fmt.Errorf("mirror: downloading %q: %w", srcURL, err))
	}
	if len(body) == 0 {
		m.observeError()
		return MirroredImage{}, invalidImageError(fmt.Errorf("mirror: empty body from %q", srcURL))
	}

	format, width, probeErr := probe(body)
	var size *int
	switch {
	case probeErr == nil && !allowedFormat(format):
		m.observeError()
		return MirroredImage{}, invalidImageError(fmt.Errorf("mirror: disallowed format %q from %q", format, srcURL))
	case probeErr == nil:
		w := width
		size = &w
	default:
		// Probing failed but the body is non-empty: proceed with a null
		// size rather than rejecting the tile (spec.md section 4.C step 2).
		size = nil
	}

	hash := contentHash(body)
	ext := extensionFor(format)
	key := fmt.Sprintf("%s.%s", hash, ext)

	contentType := contentTypeFor(format)
	if _, err := m.store.Put(ctx, key, body, contentType); err != nil {
		m.observeError()
		return MirroredImage{}, uploadError(fmt.Errorf("mirror: uploading %q: %w", key, err))
	}

	img := MirroredImage{
		PublicURL: m.cdnPrefix + "/" + key,
		Size:      size,
	}
	m.insert(srcURL, img, now)
	if m.metrics != nil {
		m.metrics.ObserveMirrorUpload()
	}
	return img, nil
}

func (m *Mirror) observeError() {
	if m.metrics != nil {
		m.metrics.ObserveMirrorError()
	}
}

func (m *Mirror) lookup(srcURL string, now time.Time) (MirroredImage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[srcURL]
	if !ok || !now.Before(e.expiresAt) {
		return MirroredImage{}, false
	}
	return e.img, true
}

// insert records a dedupe-cache entry for srcURL.
func (m *Mirror) insert(srcURL string, img MirroredImage, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[srcURL] = cacheEntry{img: img, expiresAt: now.Add(m.ttl)}
}

func (m *Mirror) download(ctx context.Context, srcURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, invalidImageError(fmt.Errorf("mirror: upstream image status %d", resp.StatusCode))
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

// maxImageBytes bounds a single tile image download; ad creative images are
// small (well under a megabyte) and this guards against a misbehaving or
// malicious upstream host.
const maxImageBytes = 8 << 20

func invalidImageError(err error) *gatewayerrors.Error {
	return &gatewayerrors.Error{Kind: gatewayerrors.KindBadResponse, Err: fmt.Errorf("invalid image: %w", err)}
}

func uploadError(err error) *gatewayerrors.Error {
	return &gatewayerrors.Error{Kind: gatewayerrors.KindInternal, Err: fmt.Errorf("upload error: %w", err)}
}
