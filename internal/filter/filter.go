// Package filter implements the tile filter/rewriter (spec.md section 4.D):
// validates one upstream tile against the active settings snapshot, either
// discarding it or producing a rewritten response tile.
package filter

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/newtab-tiles/tile-gateway/internal/classify"
	"github.com/newtab-tiles/tile-gateway/internal/mirror"
	"github.com/newtab-tiles/tile-gateway/internal/settings"
	"github.com/newtab-tiles/tile-gateway/internal/tiles"
)

// Reason names why a tile was discarded, for logging/metrics.
type Reason string

const (
	ReasonUnknownAdvertiser   Reason = "unknown_advertiser"
	ReasonLegacyImageMismatch Reason = "legacy_image_mismatch"
	ReasonBadURL              Reason = "bad_url"
	ReasonHostNotAllowed      Reason = "host_not_allowed"
	ReasonAdvertiserURLRule   Reason = "advertiser_url_rule"
	ReasonExcludedRegion      Reason = "excluded_region"
	ReasonImageMirrorFailed   Reason = "image_mirror_failed"
)

// Mirrorer is the subset of *mirror.Mirror the filter depends on.
type Mirrorer interface {
	Mirror(ctx context.Context, srcURL string, now time.Time) (mirror.MirroredImage, error)
}

// Metrics receives per-reason drop counts. Nil is valid — Filter skips the
// call when no sink is configured.
type Metrics interface {
	ObserveFilterDrop(reason string)
}

// Filter validates t against snap and key, in the order specified by
// spec.md section 4.D — the first violation discards the tile. A surviving
// tile is rewritten and returned with ok=true.
func Filter(ctx context.Context, t tiles.UpstreamTile, snap *settings.Snapshot, key classify.Key, images Mirrorer, now time.Time, m Metrics) (tiles.ResponseTile, bool) {
	rt, reason, ok := filter(ctx, t, snap, key, images, now)
	if !ok {
		slog.Debug("tile dropped", "advertiser", t.Name, "reason", reason)
		if m != nil {
			m.ObserveFilterDrop(string(reason))
		}
	}
	return rt, ok
}

func filter(ctx context.Context, t tiles.UpstreamTile, snap *settings.Snapshot, key classify.Key, images Mirrorer, now time.Time) (tiles.ResponseTile, Reason, bool) {
	// Rule 1: name matches a known advertiser.
	if !snap.AllowsAdvertiser(t.Name) {
		return tiles.ResponseTile{}, ReasonUnknownAdvertiser, false
	}
	adv := snap.Advertisers[t.Name]

	// Rule 2: legacy-image flag restricts which advertisers may appear.
	if key.LegacyImage && !snap.IsLegacyImageAdvertiser(t.Name) {
		return tiles.ResponseTile{}, ReasonLegacyImageMismatch, false
	}

	// Rule 3: click_url, impression_url, image_url are absolute URLs whose
	// host lies in the corresponding allowlist.
	if _, ok := validateHost(t.ClickURL, snap.ClickHosts); !ok {
		return tiles.ResponseTile{}, ReasonHostNotAllowed, false
	}
	if _, ok := validateHost(t.ImpressionURL, snap.ImpressionHosts); !ok {
		return tiles.ResponseTile{}, ReasonHostNotAllowed, false
	}
	if _, ok := validateHost(t.ImageURL, snap.ImageHosts); !ok {
		return tiles.ResponseTile{}, ReasonHostNotAllowed, false
	}

	// Rule 4: advertiser_url matches the advertiser's per-country host+path
	// rule.
	advURL, err := url.Parse(t.AdvertiserURL)
	if err != nil || advURL.Host == "" || !advURL.IsAbs() {
		return tiles.ResponseTile{}, ReasonBadURL, false
	}
	if !adv.Matches(key.Country, advURL.Host, advURL.Path) {
		return tiles.ResponseTile{}, ReasonAdvertiserURLRule, false
	}

	// Rule 5: include_regions, if set, restricts by classification country.
	if !adv.IncludesRegion(key.Country) {
		return tiles.ResponseTile{}, ReasonExcludedRegion, false
	}

	img, err := images.Mirror(ctx, t.ImageURL, now)
	if err != nil {
		return tiles.ResponseTile{}, ReasonImageMirrorFailed, false
	}

	return tiles.ResponseTile{
		ID:            t.ID,
		Name:          t.Name,
		URL:           t.AdvertiserURL,
		ClickURL:      t.ClickURL,
		ImageURL:      img.PublicURL,
		ImageSize:     img.Size,
		ImpressionURL: t.ImpressionURL,
	}, "", true
}

// validateHost parses raw as an absolute URL and checks its host against
// allowed. Returns the parsed host and whether it's permitted.
func validateHost(raw string, allowed map[string]struct{}) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if _, ok := allowed[host]; !ok {
		return "", false
	}
	return host, true
}
