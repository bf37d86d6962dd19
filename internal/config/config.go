package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// AWS SDK environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY,
// AWS_REGION, AWS_ENDPOINT_URL) are read directly by the SDK's default
// credential chain and do not appear in this struct.

// Config is the gateway's static, process-lifetime configuration (spec.md
// section 6). Anything that can change without a restart — advertiser
// policy, host allowlists, TTLs — lives in a settings.Snapshot instead and
// is reloaded by internal/settingsloader.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level

	// Partner ad endpoints (spec.md section 4.E).
	AdmEndpointURL       string
	AdmMobileEndpointURL string

	// Fixed fallbacks used until the first settings snapshot loads. A
	// loaded settings document replaces them entirely; a field it omits
	// is zero in the new snapshot, not filled in from these values.
	AdmPartnerID       string
	AdmSub1            string
	AdmQueryTileCount  int
	AdmConnectTimeout  time.Duration
	AdmRequestTimeout  time.Duration
	AdmTilesTTL        time.Duration
	AdmImageTTL        time.Duration
	AdmWarmupWindow    time.Duration

	// AdmSettingsPath is the local path (or, for a future bucket-backed
	// loader, the object key) of the adm_settings document watched by
	// internal/settingsloader.
	AdmSettingsPath string

	// DefaultCountry substitutes for an unresolved client location
	// (spec.md section 7, LocationUnknown).
	DefaultCountry string

	// MaxMindDBPath points at the GeoIP database the classify.Locator
	// implementation reads; this process only needs the path, the lookup
	// itself is an external collaborator (spec.md section 1).
	MaxMindDBPath string

	// Image mirror / object store.
	StorageBackend   string
	FSRoot           string
	S3Bucket         string
	S3Prefix         string
	S3ForcePathStyle bool
	CDNPrefix        string
	MirrorFetchTimeout time.Duration

	AllowTestHeader bool
}

func Load() Config {
	queryTileCount, _ := strconv.Atoi(envOr("ADM_QUERY_TILE_COUNT", "10"))
	connectTimeoutMS, _ := strconv.Atoi(envOr("ADM_CONNECT_TIMEOUT_MS", "300"))
	requestTimeoutMS, _ := strconv.Atoi(envOr("ADM_REQUEST_TIMEOUT_MS", "1500"))
	tilesTTLSeconds, _ := strconv.Atoi(envOr("ADM_TILES_TTL_SECONDS", "3600"))
	imageTTLSeconds, _ := strconv.Atoi(envOr("ADM_IMAGE_TTL_SECONDS", "86400"))
	warmupSeconds, _ := strconv.Atoi(envOr("ADM_WARMUP_WINDOW_SECONDS", "60"))
	mirrorFetchMS, _ := strconv.Atoi(envOr("MIRROR_FETCH_TIMEOUT_MS", "5000"))

	return Config{
		ListenAddr: envOr("LISTEN_ADDR", ":8080"),
		LogLevel:   parseLogLevel(envOr("LOG_LEVEL", "info")),

		AdmEndpointURL:       os.Getenv("ADM_ENDPOINT_URL"),
		AdmMobileEndpointURL: envOr("ADM_MOBILE_ENDPOINT_URL", os.Getenv("ADM_ENDPOINT_URL")),

		AdmPartnerID:      os.Getenv("ADM_PARTNER_ID"),
		AdmSub1:           os.Getenv("ADM_SUB1"),
		AdmQueryTileCount: queryTileCount,
		AdmConnectTimeout: time.Duration(connectTimeoutMS) * time.Millisecond,
		AdmRequestTimeout: time.Duration(requestTimeoutMS) * time.Millisecond,
		AdmTilesTTL:       time.Duration(tilesTTLSeconds) * time.Second,
		AdmImageTTL:       time.Duration(imageTTLSeconds) * time.Second,
		AdmWarmupWindow:   time.Duration(warmupSeconds) * time.Second,

		AdmSettingsPath: envOr("ADM_SETTINGS_PATH", "/etc/tile-gateway/adm_settings.json"),

		DefaultCountry: envOr("DEFAULT_COUNTRY", "US"),
		MaxMindDBPath:  os.Getenv("MAXMINDDB_LOC"),

		StorageBackend:     envOr("STORAGE_BACKEND", "s3"),
		FSRoot:             envOr("FS_ROOT", "/data/tile-mirror"),
		S3Bucket:           envOr("S3_BUCKET", "tile-mirror"),
		S3Prefix:           os.Getenv("S3_PREFIX"),
		S3ForcePathStyle:   envOr("S3_FORCE_PATH_STYLE", "true") == "true",
		CDNPrefix:          envOr("CDN_PREFIX", "https://tiles.cdn.example.net"),
		MirrorFetchTimeout: time.Duration(mirrorFetchMS) * time.Millisecond,

		AllowTestHeader: envOr("ALLOW_TEST_CLASSIFICATION_HEADER", "false") == "true",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
