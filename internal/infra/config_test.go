package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/assetvault")
	t.Setenv("EXIFTOOL_PATH", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Empty(t, cfg.ExifToolPath)
	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "./data", cfg.DataDir)
	require.False(t, cfg.S3Enabled)
	require.Equal(t, "fs", cfg.StorageDefaultProvider)
	require.Equal(t, int64(-1), cfg.StorageS3MinSizeBytes)
	require.Empty(t, cfg.StorageKindMap)
	require.Equal(t, 15*time.Second, cfg.HTTPReadTimeout)
	require.Equal(t, 300*time.Second, cfg.HTTPWriteTimeout)
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRejectsBadDefaultProvider(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/assetvault")
	t.Setenv("STORAGE_DEFAULT_PROVIDER", "tape")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRequiresEndpointWhenS3Enabled(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/assetvault")
	t.Setenv("S3_ENABLED", "true")
	t.Setenv("S3_ENDPOINT", "")

	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("S3_ENDPOINT", "http://127.0.0.1:8333")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.S3Enabled)
	require.Equal(t, "http://127.0.0.1:8333", cfg.S3Endpoint)
}

func TestLoadConfigExifToolPath(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/assetvault")
	t.Setenv("EXIFTOOL_PATH", "  /usr/local/bin/exiftool ")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/exiftool", cfg.ExifToolPath)
}

func TestParseKindMap(t *testing.T) {
	m := parseKindMap("video:s3, THUMB:fs ,bad,skip:tape,:fs")
	require.Equal(t, map[string]string{
		"video": "s3",
		"thumb": "fs",
	}, m)

	require.Empty(t, parseKindMap(""))
}
