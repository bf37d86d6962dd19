// Package upstream implements the outbound call to the partner ad endpoint
// (spec.md section 4.E). Its transport setup follows the teacher's
// UpstreamClient: a dedicated *http.Transport with explicit dial and
// handshake timeouts, reused across requests.
package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/newtab-tiles/tile-gateway/internal/gatewayerrors"
	"github.com/newtab-tiles/tile-gateway/internal/tiles"
)

// Params are the classification-derived query parameters for one fetch.
type Params struct {
	Country     string
	Subdivision string
	Metro       int
	HasMetro    bool
	FormFactor  string
	OSFamily    string
}

// Config are the fixed, settings-derived parameters shared across fetches.
type Config struct {
	PartnerID      string
	Sub1           string
	QueryTileCount int
}

// Result is the outcome of a successful fetch: either a tile list or the
// "no tiles available" condition (200 with an empty list, or 204).
type Result struct {
	Tiles   []tiles.UpstreamTile
	NoTiles bool
}

// Fetcher performs outbound requests to the partner endpoint.
type Fetcher struct {
	client *http.Client
	// warmupUntil marks the end of the fetcher's initial warm-up window,
	// during which a soft timeout is treated as transient rather than a
	// hard failure (spec.md section 4.E).
	warmupUntil time.Time
}

// connectTimeoutKey carries the per-call connect timeout through the
// request's context to the shared transport's DialContext, since the
// timeout varies per call (it's settings-snapshot-derived) while the
// *http.Transport and its dialer are constructed once and reused.
type connectTimeoutKey struct{}

// New creates a Fetcher with a dedicated transport, mirroring the teacher's
// UpstreamClient: explicit dial/handshake timeouts, modest idle-connection
// limits, compression disabled (the partner already serves small JSON).
// DialContext (plain TCP) and DialTLSContext (TCP plus TLS handshake) read
// the per-call connect timeout stashed in the dial's context and bound only
// the connection setup with it — the request's own
// context (bounded by requestTimeout) still governs everything after that,
// including reading the response body (spec.md section 4.E, "two distinct
// timeouts").
func New(warmupWindow time.Duration, now time.Time) *Fetcher {
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if ct, ok := ctx.Value(connectTimeoutKey{}).(time.Duration); ok && ct > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, ct)
				defer cancel()
			}
			return dialer.DialContext(ctx, network, addr)
		},
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if ct, ok := ctx.Value(connectTimeoutKey{}).(time.Duration); ok && ct > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, ct)
				defer cancel()
			}
			tlsDialer := &tls.Dialer{NetDialer: dialer}
			return tlsDialer.DialContext(ctx, network, addr)
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}
	return &Fetcher{
		client:      &http.Client{Transport: transport},
		warmupUntil: now.Add(warmupWindow),
	}
}

// Fetch performs one outbound request to endpoint. connectTimeout guards
// TCP+TLS handshake; requestTimeout guards the full exchange (spec.md
// section 4.E, "two distinct timeouts").
func (f *Fetcher) Fetch(ctx context.Context, endpoint string, p Params, cfg Config, connectTimeout, requestTimeout time.Duration, now time.Time) (Result, error) {
	reqURL, err := buildURL(endpoint, p, cfg)
	if err != nil {
		return Result{}, gatewayerrors.BadResponse(err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, connectTimeoutKey{}, connectTimeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Result{}, gatewayerrors.BadResponse(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			if now.Before(f.warmupUntil) {
				return Result{}, gatewayerrors.TransientTimeout(err)
			}
			return Result{}, gatewayerrors.Timeout(err)
		}
		return Result{}, gatewayerrors.Timeout(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return Result{NoTiles: true}, nil
	case resp.StatusCode >= 400:
		return Result{}, gatewayerrors.UpstreamHTTP(resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Result{}, gatewayerrors.UpstreamHTTP(resp.StatusCode)
	}

	var payload struct {
		Tiles []tiles.UpstreamTile `json:"tiles"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&payload); err != nil {
		return Result{}, gatewayerrors.BadResponse(err)
	}

	if len(payload.Tiles) == 0 {
		return Result{NoTiles: true}, nil
	}
	return Result{Tiles: payload.Tiles}, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// buildURL constructs the upstream request URL with fixed constants plus
// the classification-derived query parameters (spec.md section 6,
// "Upstream request").
func buildURL(endpoint string, p Params, cfg Config) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}

	q := u.Query()
	q.Set("partner", cfg.PartnerID)
	q.Set("sub1", cfg.Sub1)
	q.Set("sub2", "newtab")
	q.Set("v", "1.0")
	q.Set("out", "json")
	q.Set("results", strconv.Itoa(cfg.QueryTileCount))
	q.Set("country-code", p.Country)
	q.Set("region-code", p.Subdivision)
	if p.HasMetro {
		q.Set("dma-code", strconv.Itoa(p.Metro))
	}
	q.Set("form-factor", p.FormFactor)
	q.Set("os-family", p.OSFamily)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
