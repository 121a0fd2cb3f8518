package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"assetvault/internal/domain"
	"assetvault/internal/identity"
)

// unreachableS3 points at a port nothing listens on, so health probes fail
// fast and deterministically.
var unreachableS3 = S3Config{
	Endpoint:  "http://127.0.0.1:1",
	AccessKey: "test",
	SecretKey: "test",
	Region:    "us-east-1",
	Bucket:    "assets",
}

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	if cfg.BaseDir == "" {
		cfg.BaseDir = t.TempDir()
	}
	m, err := NewManager(cfg, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestChooseProviderDefault(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		Routing: RoutingConfig{DefaultProvider: domain.StorageProviderFS, S3MinSizeBytes: -1},
	})
	require.Equal(t, domain.StorageProviderFS, m.ChooseProviderForUpload("file", 10))
	require.Equal(t, domain.StorageProviderFS, m.ChooseProviderForUpload("", 1<<30))
}

func TestChooseProviderSizeThreshold(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		Routing: RoutingConfig{DefaultProvider: domain.StorageProviderFS, S3MinSizeBytes: 1024},
	})
	require.Equal(t, domain.StorageProviderFS, m.ChooseProviderForUpload("file", 1023))
	require.Equal(t, domain.StorageProviderS3, m.ChooseProviderForUpload("file", 1024))
	require.Equal(t, domain.StorageProviderS3, m.ChooseProviderForUpload("file", 10<<20))
}

func TestChooseProviderKindMapWins(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		Routing: RoutingConfig{
			DefaultProvider: domain.StorageProviderS3,
			S3MinSizeBytes:  0,
			KindMap:         map[string]string{"thumb": domain.StorageProviderFS},
		},
	})
	// Kind mapping overrides both the threshold and the default.
	require.Equal(t, domain.StorageProviderFS, m.ChooseProviderForUpload("THUMB", 10<<20))
	require.Equal(t, domain.StorageProviderS3, m.ChooseProviderForUpload("file", 1))
}

func TestStoreUploadFallsBackWhenObjectStoreUnreachable(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		S3Enabled: true,
		S3:        unreachableS3,
		Routing:   RoutingConfig{DefaultProvider: domain.StorageProviderS3, S3MinSizeBytes: -1},
	})

	content := []byte("fallback payload")
	id := identity.SHA256HexBytes(content)
	temp := filepath.Join(t.TempDir(), "upload.tmp")
	require.NoError(t, os.WriteFile(temp, content, 0o600))

	res, err := m.StoreUpload(context.Background(), temp, id, "file", int64(len(content)))
	require.NoError(t, err)
	require.Equal(t, domain.StorageProviderFS, res.StorageProvider)
	require.Equal(t, m.FS().KeyForAssetID(id), res.StorageKey)
	require.Empty(t, res.CleanupTempPath)
	require.True(t, m.FS().Exists(res.StorageKey))
}

func TestStoreExistingFilePreservesSource(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		Routing: RoutingConfig{DefaultProvider: domain.StorageProviderFS, S3MinSizeBytes: -1},
	})

	content := []byte("mirrored payload")
	id := identity.SHA256HexBytes(content)
	src := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	res, err := m.StoreExistingFile(context.Background(), src, id, "file", int64(len(content)))
	require.NoError(t, err)
	require.Equal(t, domain.StorageProviderFS, res.StorageProvider)

	got, err := os.ReadFile(src)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestOpenRangeReadNeverSubstitutesProvider(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		S3Enabled: true,
		S3:        unreachableS3,
		Routing:   RoutingConfig{DefaultProvider: domain.StorageProviderFS, S3MinSizeBytes: -1},
	})

	// Content recorded as stored in the object store must not be served from
	// the filesystem when the store is down.
	_, _, err := m.OpenRange(context.Background(), domain.StorageProviderS3, "assets:files/ab/abcd", 0, 10)
	require.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestOpenRangeUnknownProvider(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		Routing: RoutingConfig{DefaultProvider: domain.StorageProviderFS, S3MinSizeBytes: -1},
	})
	_, _, err := m.OpenRange(context.Background(), "tape", "whatever", 0, 1)
	require.ErrorIs(t, err, domain.ErrUnsupportedProvider)

	_, err = m.SizeBytes(context.Background(), "tape", "whatever")
	require.ErrorIs(t, err, domain.ErrUnsupportedProvider)
}

func TestS3AvailableFalseWhenDisabled(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		Routing: RoutingConfig{DefaultProvider: domain.StorageProviderFS, S3MinSizeBytes: -1},
	})
	require.False(t, m.S3Configured())
	require.False(t, m.S3Available())
}
