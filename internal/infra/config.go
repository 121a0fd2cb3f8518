package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	// DataDir is the root for filesystem asset storage and upload temp files.
	DataDir string

	S3Enabled   bool
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Bucket    string

	// StorageDefaultProvider is used when no routing rule matches ("fs"/"s3").
	StorageDefaultProvider string
	// StorageS3MinSizeBytes routes payloads at or above this size to the
	// object store; negative disables the threshold.
	StorageS3MinSizeBytes int64
	// StorageKindMap maps kind tags to providers, e.g. "video:s3,thumb:fs".
	StorageKindMap map[string]string

	// ImportThrottleMs is the default per-file sleep for bulk imports when
	// the job input does not set one (used to make cancellation observable).
	ImportThrottleMs int

	// ExifToolPath points at an exiftool binary for background metadata
	// extraction on upload. Empty disables extraction.
	ExifToolPath string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:                 getEnv("APP_ENV", "development"),
		Port:                   getEnv("PORT", "8080"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		DataDir:                getEnv("DATA_DIR", "./data"),
		S3Enabled:              getEnvBool("S3_ENABLED", false),
		S3Endpoint:             os.Getenv("S3_ENDPOINT"),
		S3AccessKey:            os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:            os.Getenv("S3_SECRET_KEY"),
		S3Region:               getEnv("S3_REGION", "us-east-1"),
		S3Bucket:               getEnv("S3_BUCKET", "assets"),
		StorageDefaultProvider: getEnv("STORAGE_DEFAULT_PROVIDER", "fs"),
		StorageS3MinSizeBytes:  getEnvInt64("STORAGE_S3_MIN_SIZE_BYTES", -1),
		StorageKindMap:         parseKindMap(os.Getenv("STORAGE_KIND_MAP")),
		ImportThrottleMs:       getEnvInt("IMPORT_THROTTLE_MS", 0),
		ExifToolPath:           strings.TrimSpace(os.Getenv("EXIFTOOL_PATH")),
		HTTPReadTimeout:        time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:       time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 300)),
		HTTPIdleTimeout:        time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.StorageDefaultProvider {
	case "fs", "s3":
	default:
		return nil, fmt.Errorf("STORAGE_DEFAULT_PROVIDER must be fs or s3, got %q", cfg.StorageDefaultProvider)
	}

	if cfg.S3Enabled && cfg.S3Endpoint == "" {
		return nil, fmt.Errorf("S3_ENDPOINT is required when S3_ENABLED is set")
	}

	return cfg, nil
}

// parseKindMap parses "kind:provider" pairs separated by commas. Kinds are
// lower-cased; malformed pairs are ignored.
func parseKindMap(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		kind, provider, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			continue
		}
		kind = strings.ToLower(strings.TrimSpace(kind))
		provider = strings.TrimSpace(provider)
		if kind == "" || (provider != "fs" && provider != "s3") {
			continue
		}
		out[kind] = provider
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
