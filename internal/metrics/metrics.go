// Package metrics exposes the gateway's Prometheus counters (spec.md
// EXPANSION: "/metrics endpoint... ambient observability, not excluded by
// any Non-goal").
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the full set of gateway observations, registered once at
// startup and shared across the cache, mirror, filter, and handler.
type Metrics struct {
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheBuildErrors prometheus.Counter

	mirrorUploads prometheus.Counter
	mirrorErrors  prometheus.Counter

	filterDrops *prometheus.CounterVec

	handlerStatus *prometheus.CounterVec
}

// New creates and registers a Metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "tile_gateway_cache_hits_total",
			Help: "Cache lookups served from a live entry without a build.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "tile_gateway_cache_misses_total",
			Help: "Cache lookups that required a build (coalesced or not).",
		}),
		cacheBuildErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tile_gateway_cache_build_errors_total",
			Help: "Cache lookups that received a non-transient build error (each caller sharing a failed build counts once).",
		}),
		mirrorUploads: factory.NewCounter(prometheus.CounterOpts{
			Name: "tile_gateway_mirror_uploads_total",
			Help: "Images successfully mirrored to the object store, including uploads skipped because the object already existed.",
		}),
		mirrorErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tile_gateway_mirror_errors_total",
			Help: "Image mirror attempts that failed (download, probe, or upload).",
		}),
		filterDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_gateway_filter_drops_total",
			Help: "Tiles discarded by the filter, by reason.",
		}, []string{"reason"}),
		handlerStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_gateway_handler_responses_total",
			Help: "Tile-endpoint responses, by HTTP status code.",
		}, []string{"status"}),
	}
}

// ObserveHit implements tilecache.Metrics.
func (m *Metrics) ObserveHit() { m.cacheHits.Inc() }

// ObserveMiss implements tilecache.Metrics.
func (m *Metrics) ObserveMiss() { m.cacheMisses.Inc() }

// ObserveBuildError implements tilecache.Metrics.
func (m *Metrics) ObserveBuildError() { m.cacheBuildErrors.Inc() }

// ObserveMirrorUpload records a successful image upload.
func (m *Metrics) ObserveMirrorUpload() { m.mirrorUploads.Inc() }

// ObserveMirrorError records a failed image mirror attempt.
func (m *Metrics) ObserveMirrorError() { m.mirrorErrors.Inc() }

// ObserveFilterDrop records a tile dropped for reason.
func (m *Metrics) ObserveFilterDrop(reason string) { m.filterDrops.WithLabelValues(reason).Inc() }

// ObserveHandlerStatus records the HTTP status the handler returned.
func (m *Metrics) ObserveHandlerStatus(status int) {
	m.handlerStatus.WithLabelValues(statusLabel(status)).Inc()
}

func statusLabel(status int) string {
	switch status {
	case 200:
		return "200"
	case 204:
		return "204"
	case 403:
		return "403"
	case 500:
		return "500"
	case 503:
		return "503"
	default:
		return "other"
	}
}
