package storage

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"assetvault/internal/domain"
)

const (
	healthCacheTTL     = time.Second
	healthProbeTimeout = 200 * time.Millisecond
)

// RoutingConfig is the upload routing policy, evaluated in order:
// kind override map, minimum-size threshold, default provider.
type RoutingConfig struct {
	// DefaultProvider is "fs" or "s3".
	DefaultProvider string
	// S3MinSizeBytes routes payloads of at least this size to the object
	// store. Negative disables the threshold.
	S3MinSizeBytes int64
	// KindMap maps lower-cased kind tags to a provider name.
	KindMap map[string]string
}

// ManagerConfig assembles everything the manager needs.
type ManagerConfig struct {
	BaseDir   string
	S3Enabled bool
	S3        S3Config
	Routing   RoutingConfig
}

// UploadResult describes where bytes were persisted. It is transient: the
// caller stores provider and key on the asset record.
type UploadResult struct {
	StorageProvider string
	StorageKey      string
	// LocalPath is a stable local path to the bytes when one exists
	// (filesystem provider only).
	LocalPath string
	// CleanupTempPath, when set, is a temp file the caller must delete once
	// it is done reading (object-store uploads keep the temp file around for
	// secondary read passes).
	CleanupTempPath string
}

// Manager routes uploads across providers and presents a unified range-read
// facade. The object store is only substituted by the filesystem for new
// writes while unreachable, never for reads of already-stored content.
type Manager struct {
	fs      *FilesystemProvider
	s3      *S3Provider
	enabled bool
	routing RoutingConfig
	logger  zerolog.Logger

	healthMu sync.Mutex
	healthAt time.Time
	healthOK bool
}

// NewManager builds a storage manager rooted at cfg.BaseDir.
func NewManager(cfg ManagerConfig, logger zerolog.Logger) (*Manager, error) {
	fs, err := NewFilesystemProvider(cfg.BaseDir)
	if err != nil {
		return nil, err
	}

	routing := cfg.Routing
	if routing.DefaultProvider == "" {
		routing.DefaultProvider = domain.StorageProviderFS
	}

	m := &Manager{
		fs:      fs,
		enabled: cfg.S3Enabled,
		routing: routing,
		logger:  logger,
	}
	if cfg.S3Enabled {
		m.s3 = NewS3Provider(cfg.S3)
	}
	return m, nil
}

// FS exposes the filesystem provider for callers that need direct paths.
func (m *Manager) FS() *FilesystemProvider { return m.fs }

// S3Configured reports whether the object store is enabled and has endpoint
// plus credentials configured.
func (m *Manager) S3Configured() bool {
	return m.enabled && m.s3 != nil &&
		m.s3.cfg.Endpoint != "" &&
		strings.TrimSpace(m.s3.cfg.AccessKey) != "" &&
		strings.TrimSpace(m.s3.cfg.SecretKey) != ""
}

// EnsureBucket checks that the configured bucket exists, creating it when
// missing. No-op when the object store is disabled.
func (m *Manager) EnsureBucket(ctx context.Context) error {
	if !m.S3Configured() {
		return nil
	}
	return m.s3.EnsureBucket(ctx, m.s3.cfg.Bucket)
}

// S3Available reports whether the object store is enabled and its endpoint
// currently reachable.
func (m *Manager) S3Available() bool {
	return m.enabled && m.s3 != nil && m.s3Healthy()
}

// s3Healthy probes the endpoint with a bounded-timeout connect. The result
// is cached briefly so bursts of concurrent uploads do not each re-probe.
func (m *Manager) s3Healthy() bool {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()

	now := time.Now()
	if !m.healthAt.IsZero() && now.Sub(m.healthAt) < healthCacheTTL {
		return m.healthOK
	}

	m.healthAt = now
	m.healthOK = endpointReachable(m.s3.cfg.Endpoint)
	return m.healthOK
}

func endpointReachable(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return false
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(u.Hostname(), port), healthProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ChooseProviderForUpload applies the routing policy for a new upload.
func (m *Manager) ChooseProviderForUpload(kind string, byteSize int64) string {
	kindNorm := strings.ToLower(strings.TrimSpace(kind))
	if kindNorm == "" {
		kindNorm = "file"
	}
	if mapped, ok := m.routing.KindMap[kindNorm]; ok && mapped != "" {
		return mapped
	}

	if m.routing.S3MinSizeBytes >= 0 && byteSize >= m.routing.S3MinSizeBytes {
		return domain.StorageProviderS3
	}

	return m.routing.DefaultProvider
}

// uploadProvider resolves the routing choice, falling back to the filesystem
// for new writes when the object store is preferred but unreachable.
func (m *Manager) uploadProvider(kind string, byteSize int64) string {
	provider := m.ChooseProviderForUpload(kind, byteSize)
	if provider == domain.StorageProviderS3 && !m.S3Available() {
		m.logger.Warn().
			Str("kind", kind).
			Int64("byte_size", byteSize).
			Msg("object store unreachable, falling back to filesystem for new write")
		return domain.StorageProviderFS
	}
	return provider
}

// StoreUpload persists a caller-owned temp file and takes ownership of it.
// On the filesystem path the temp file is consumed. On the object-store path
// it is left in place and handed back via CleanupTempPath so the caller can
// run secondary read passes before deleting it.
func (m *Manager) StoreUpload(ctx context.Context, tempPath, assetID, kind string, byteSize int64) (*UploadResult, error) {
	provider := m.uploadProvider(kind, byteSize)

	if provider == domain.StorageProviderS3 {
		loc := S3ObjectLocation{Bucket: m.s3.DefaultBucket(), Key: m.s3.KeyForAssetID(assetID)}
		if err := m.s3.PutFile(ctx, tempPath, loc); err != nil {
			return nil, err
		}
		return &UploadResult{
			StorageProvider: m.s3.ProviderName(),
			StorageKey:      loc.StorageKey(),
			CleanupTempPath: tempPath,
		}, nil
	}

	storageKey := m.fs.KeyForAssetID(assetID)
	localPath, err := m.fs.FinalizeTempFile(tempPath, storageKey)
	if err != nil {
		return nil, err
	}
	return &UploadResult{
		StorageProvider: m.fs.ProviderName(),
		StorageKey:      storageKey,
		LocalPath:       localPath,
	}, nil
}

// StoreExistingFile mirrors a caller-owned file into storage. The source is
// never modified or removed.
func (m *Manager) StoreExistingFile(ctx context.Context, sourcePath, assetID, kind string, byteSize int64) (*UploadResult, error) {
	provider := m.uploadProvider(kind, byteSize)

	if provider == domain.StorageProviderS3 {
		loc := S3ObjectLocation{Bucket: m.s3.DefaultBucket(), Key: m.s3.KeyForAssetID(assetID)}
		if err := m.s3.PutFile(ctx, sourcePath, loc); err != nil {
			return nil, err
		}
		return &UploadResult{
			StorageProvider: m.s3.ProviderName(),
			StorageKey:      loc.StorageKey(),
		}, nil
	}

	storageKey := m.fs.KeyForAssetID(assetID)
	localPath, err := m.fs.IngestExistingFile(sourcePath, storageKey)
	if err != nil {
		return nil, err
	}
	return &UploadResult{
		StorageProvider: m.fs.ProviderName(),
		StorageKey:      storageKey,
		LocalPath:       localPath,
	}, nil
}

// SizeBytes returns the stored object's total size.
func (m *Manager) SizeBytes(ctx context.Context, storageProvider, storageKey string) (int64, error) {
	switch storageProvider {
	case domain.StorageProviderFS:
		return m.fs.Size(storageKey)
	case domain.StorageProviderS3:
		if m.s3 == nil {
			return 0, domain.ErrUnavailable
		}
		loc := ParseS3StorageKey(storageKey, m.s3.DefaultBucket())
		return m.s3.HeadSize(ctx, loc)
	default:
		return 0, fmt.Errorf("%w: %q", domain.ErrUnsupportedProvider, storageProvider)
	}
}

// OpenRange streams the inclusive byte range [start, end] from whichever
// backend holds the content and returns the object's total size alongside.
// Reads never silently substitute providers: an unreachable object store
// yields domain.ErrUnavailable.
func (m *Manager) OpenRange(ctx context.Context, storageProvider, storageKey string, start, end int64) (io.ReadCloser, int64, error) {
	switch storageProvider {
	case domain.StorageProviderFS:
		return m.fs.OpenRange(storageKey, start, end)

	case domain.StorageProviderS3:
		if m.s3 == nil || !m.S3Available() {
			return nil, 0, domain.ErrUnavailable
		}
		loc := ParseS3StorageKey(storageKey, m.s3.DefaultBucket())
		size, err := m.s3.HeadSize(ctx, loc)
		if err != nil {
			return nil, 0, err
		}
		if err := validateRange(start, end, size); err != nil {
			return nil, size, err
		}
		rc, err := m.s3.OpenRange(ctx, loc, start, end)
		if err != nil {
			return nil, size, err
		}
		return rc, size, nil

	default:
		return nil, 0, fmt.Errorf("%w: %q", domain.ErrUnsupportedProvider, storageProvider)
	}
}
