package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/newtab-tiles/tile-gateway/internal/classify"
	"github.com/newtab-tiles/tile-gateway/internal/config"
	"github.com/newtab-tiles/tile-gateway/internal/gateway"
	"github.com/newtab-tiles/tile-gateway/internal/handler"
	"github.com/newtab-tiles/tile-gateway/internal/health"
	"github.com/newtab-tiles/tile-gateway/internal/httplog"
	"github.com/newtab-tiles/tile-gateway/internal/metrics"
	"github.com/newtab-tiles/tile-gateway/internal/mirror"
	"github.com/newtab-tiles/tile-gateway/internal/reporting"
	"github.com/newtab-tiles/tile-gateway/internal/settings"
	"github.com/newtab-tiles/tile-gateway/internal/settingsloader"
	"github.com/newtab-tiles/tile-gateway/internal/store"
	"github.com/newtab-tiles/tile-gateway/internal/tilecache"
	"github.com/newtab-tiles/tile-gateway/internal/upstream"
)

// reporter is the process-wide error reporter. Swap this for a concrete
// Reporter (e.g. a Sentry client) to ship errors off-host; see
// internal/reporting.
var reporter reporting.Reporter = reporting.Noop{}

func main() {
	// Self-contained healthcheck for scratch containers (no curl/wget available).
	// Usage: tile-gateway -healthcheck
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		resp, err := http.Get("http://127.0.0.1:8080/__lbheartbeat__")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := config.Load()

	if cfg.AdmEndpointURL == "" {
		fmt.Fprintln(os.Stderr, "ADM_ENDPOINT_URL is required")
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if cfg.MaxMindDBPath != "" {
		slog.Warn("MAXMINDDB_LOC is set but no classify.Locator is wired in this build; requests classify with DefaultCountry only", "path", cfg.MaxMindDBPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	objStore, err := newStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to create object store", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}
	if err := objStore.Init(ctx); err != nil {
		slog.Error("failed to initialise object store", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	settingsStore := settings.NewStore(fallbackSnapshot(cfg))
	loader := settingsloader.NewFileLoader(cfg.AdmSettingsPath, settingsStore)
	if err := loader.LoadOnce(); err != nil {
		slog.Warn("no initial settings document loaded, starting with an empty snapshot", "path", cfg.AdmSettingsPath, "error", err)
	}
	go func() {
		if err := loader.Run(ctx); err != nil {
			slog.Error("settings loader stopped", "error", err)
		}
	}()

	images := mirror.New(objStore, cfg.CDNPrefix, cfg.AdmImageTTL, cfg.MirrorFetchTimeout, m)
	fetcher := upstream.New(cfg.AdmWarmupWindow, time.Now())

	pipeline := &gateway.Pipeline{
		Settings: settingsStore,
		Fetcher:  fetcher,
		Images:   images,
		Endpoints: gateway.Endpoints{
			Desktop: cfg.AdmEndpointURL,
			Mobile:  cfg.AdmMobileEndpointURL,
		},
		Metrics: m,
	}

	cache := tilecache.New(pipeline.Build, tilecache.WithMetrics(m))

	classifyOpts := classify.Options{
		DefaultCountry:  cfg.DefaultCountry,
		AllowTestHeader: cfg.AllowTestHeader,
	}
	h := handler.New(cache, classifyOpts, m)

	mux := http.NewServeMux()
	mux.Handle("/", h)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	health.Register(mux, health.Version{Source: "tile-gateway"}, settingsHealthChecker{settingsStore})

	logged := httplog.Middleware(mux)

	h2s := &http2.Server{}
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h2c.NewHandler(logged, h2s),
	}

	go func() {
		slog.Info("starting server", "addr", cfg.ListenAddr, "upstream", cfg.AdmEndpointURL, "backend", cfg.StorageBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			reporter.Report(err, map[string]string{"component": "server"})
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// settingsHealthChecker reports unhealthy until a settings snapshot with at
// least one advertiser has been installed, so orchestration doesn't route
// traffic to an instance that would reject every tile.
type settingsHealthChecker struct {
	store *settings.Store
}

func (c settingsHealthChecker) Healthy() error {
	if len(c.store.Current().Advertisers) == 0 {
		return fmt.Errorf("no settings snapshot loaded yet")
	}
	return nil
}

// fallbackSnapshot builds the Snapshot installed before the first settings
// document loads, from the fixed config.Config fallbacks. It carries no
// advertisers — settingsHealthChecker reports unhealthy until a real
// document replaces it — but its fetcher-facing fields (partner ID,
// timeouts, TTLs) let a cold start still issue a well-formed upstream
// request rather than an empty one.
func fallbackSnapshot(cfg config.Config) *settings.Snapshot {
	return &settings.Snapshot{
		PartnerID:      cfg.AdmPartnerID,
		Sub1:           cfg.AdmSub1,
		QueryTileCount: cfg.AdmQueryTileCount,
		Timeouts: settings.Timeouts{
			Connect: cfg.AdmConnectTimeout,
			Request: cfg.AdmRequestTimeout,
		},
		TilesTTL: cfg.AdmTilesTTL,
		ImageTTL: cfg.AdmImageTTL,
	}
}

func newStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StorageBackend {
	case "s3":
		return store.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3ForcePathStyle)
	case "fs":
		return store.NewFSStore(cfg.FSRoot), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.StorageBackend)
	}
}
