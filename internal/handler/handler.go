// Package handler implements the HTTP entry point (spec.md section 4.A,
// 4.F, 6): classify the request, reject non-Firefox user agents, consult
// the tile cache, and shape the JSON/204/error response.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/newtab-tiles/tile-gateway/internal/classify"
	"github.com/newtab-tiles/tile-gateway/internal/gatewayerrors"
	"github.com/newtab-tiles/tile-gateway/internal/httplog"
	"github.com/newtab-tiles/tile-gateway/internal/tiles"
)

// Cache is the subset of *tilecache.Cache the handler depends on.
type Cache interface {
	Get(ctx context.Context, key classify.Key) (tiles.Body, time.Duration, error)
}

// Metrics receives per-response status observations. Nil is valid.
type Metrics interface {
	ObserveHandlerStatus(status int)
}

// Handler serves the tile recommendation endpoint.
type Handler struct {
	Cache    Cache
	Classify classify.Options
	Metrics  Metrics
}

// New creates a Handler.
func New(cache Cache, opts classify.Options, m Metrics) *Handler {
	return &Handler{Cache: cache, Classify: opts, Metrics: m}
}

// ServeHTTP implements the tile recommendation endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ua := r.Header.Get("User-Agent")
	if !classify.IsSanctionedBrowser(ua) {
		h.observe(writeError(w, gatewayerrors.InvalidUserAgent()))
		return
	}

	opts := h.Classify
	opts.PeerAddr = r.RemoteAddr
	key := classify.Classify(r, opts)
	httplog.AddField(r.Context(), "country", key.Country)
	httplog.AddField(r.Context(), "form_factor", string(key.FormFactor))

	body, ttl, err := h.Cache.Get(r.Context(), key)
	if err != nil {
		httplog.AddField(r.Context(), "cache_outcome", "error")
		h.observe(h.writeErrorForKey(w, key, err))
		return
	}
	outcome := "served"
	if body.Empty204 {
		outcome = "empty"
	}
	httplog.AddField(r.Context(), "cache_outcome", outcome)
	httplog.AddField(r.Context(), "tile_count", len(body.Tiles))
	h.observe(writeBody(w, body, ttl))
}

func (h *Handler) observe(status int) {
	if h.Metrics != nil {
		h.Metrics.ObserveHandlerStatus(status)
	}
}

// writeErrorForKey applies the tablet soft-fallback: a bad/unparseable
// upstream response degrades to an empty 204 for tablet form factors
// rather than a hard error, since the tablet New Tab surface tolerates a
// silently empty tile section better than an error toast (see DESIGN.md
// Open Question decisions).
func (h *Handler) writeErrorForKey(w http.ResponseWriter, key classify.Key, err error) int {
	if ge, ok := err.(*gatewayerrors.Error); ok {
		if ge.Kind == gatewayerrors.KindBadResponse && key.FormFactor == classify.FormFactorTablet {
			slog.Warn("bad upstream response degraded to empty response for tablet", "error", ge)
			return writeBody(w, tiles.Empty204Body(), 0)
		}
		return writeError(w, ge)
	}
	return writeError(w, gatewayerrors.Internal(err))
}

func writeBody(w http.ResponseWriter, body tiles.Body, ttl time.Duration) int {
	if ttl > 0 {
		w.Header().Set("Cache-Control", cacheControlValue(ttl))
	}
	if body.Empty204 {
		w.WriteHeader(http.StatusNoContent)
		return http.StatusNoContent
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	payload := struct {
		Tiles []tiles.ResponseTile `json:"tiles"`
		SoV   string               `json:"sov,omitempty"`
	}{Tiles: body.Tiles, SoV: body.SoV}
	if payload.Tiles == nil {
		payload.Tiles = []tiles.ResponseTile{}
	}
	_ = json.NewEncoder(w).Encode(payload)
	return http.StatusOK
}

func cacheControlValue(ttl time.Duration) string {
	seconds := int(ttl.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	return "max-age=" + itoa(seconds)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func writeError(w http.ResponseWriter, e *gatewayerrors.Error) int {
	status, resp := gatewayerrors.ToResponse(e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
	return status
}
