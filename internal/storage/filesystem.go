package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"assetvault/internal/domain"
)

const copyChunkSize = 1 << 20

// FilesystemProvider stores assets on the local filesystem. The layout is
// stable and content-addressed: files/<aa>/<sha256>, where <aa> is the first
// two hex characters of the asset ID. Sharding bounds per-directory fan-out.
//
// Writes are idempotent by construction: if the destination key already holds
// content, store operations are no-ops apart from temp-file cleanup.
type FilesystemProvider struct {
	baseDir string
}

// NewFilesystemProvider initializes a provider rooted at baseDir and ensures
// the on-disk layout exists.
func NewFilesystemProvider(baseDir string) (*FilesystemProvider, error) {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		return nil, errors.New("storage: base dir is required")
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "files"), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure layout: %w", err)
	}
	return &FilesystemProvider{baseDir: baseDir}, nil
}

// ProviderName returns the persisted provider tag.
func (p *FilesystemProvider) ProviderName() string { return domain.StorageProviderFS }

// BaseDir returns the configured root directory.
func (p *FilesystemProvider) BaseDir() string { return p.baseDir }

// KeyForAssetID returns the sharded storage key for an asset ID.
func (p *FilesystemProvider) KeyForAssetID(assetID string) string {
	assetID = strings.ToLower(strings.TrimSpace(assetID))
	shard := "xx"
	if len(assetID) >= 2 {
		shard = assetID[:2]
	}
	return path.Join("files", shard, assetID)
}

// ResolvePath maps a storage key to its absolute filesystem path.
func (p *FilesystemProvider) ResolvePath(storageKey string) string {
	return filepath.Join(p.baseDir, filepath.FromSlash(storageKey))
}

// Exists reports whether the key already holds content.
func (p *FilesystemProvider) Exists(storageKey string) bool {
	_, err := os.Stat(p.ResolvePath(storageKey))
	return err == nil
}

// FinalizeTempFile moves a caller-owned temp file into its final storage
// path, consuming the temp file. If the destination already exists (a
// concurrent writer won the race) the temp file is discarded and the existing
// content kept. A cross-device rename falls back to copy-then-remove.
func (p *FilesystemProvider) FinalizeTempFile(tempPath, storageKey string) (string, error) {
	dst := p.ResolvePath(storageKey)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure shard dir: %w", err)
	}

	if p.Exists(storageKey) {
		_ = os.Remove(tempPath)
		return dst, nil
	}

	if err := os.Rename(tempPath, dst); err != nil {
		if err := copyFileContents(tempPath, dst); err != nil {
			return "", err
		}
		_ = os.Remove(tempPath)
	}

	// Ensure content is readable by the current user.
	_ = os.Chmod(dst, 0o644)
	return dst, nil
}

// IngestExistingFile mirrors a caller-owned file into storage without
// touching the source. A hard link is attempted first for zero-copy speed,
// falling back to a byte copy when linking is unsupported.
func (p *FilesystemProvider) IngestExistingFile(sourcePath, storageKey string) (string, error) {
	dst := p.ResolvePath(storageKey)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure shard dir: %w", err)
	}

	if p.Exists(storageKey) {
		return dst, nil
	}

	if err := os.Link(sourcePath, dst); err == nil {
		return dst, nil
	}

	if err := copyFileContents(sourcePath, dst); err != nil {
		return "", err
	}
	_ = os.Chmod(dst, 0o644)
	return dst, nil
}

// Size returns the byte size of the stored content.
func (p *FilesystemProvider) Size(storageKey string) (int64, error) {
	info, err := os.Stat(p.ResolvePath(storageKey))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("storage: stat: %w", err)
	}
	return info.Size(), nil
}

// OpenRange opens a streaming reader over the inclusive byte range
// [start, end] and returns it with the object's total size. The reader yields
// exactly end-start+1 bytes.
func (p *FilesystemProvider) OpenRange(storageKey string, start, end int64) (io.ReadCloser, int64, error) {
	size, err := p.Size(storageKey)
	if err != nil {
		return nil, 0, err
	}
	if err := validateRange(start, end, size); err != nil {
		return nil, size, err
	}

	f, err := os.Open(p.ResolvePath(storageKey))
	if err != nil {
		return nil, size, fmt.Errorf("storage: open: %w", err)
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, size, fmt.Errorf("storage: seek: %w", err)
	}
	return &rangeReader{r: io.LimitReader(f, end-start+1), c: f}, size, nil
}

func validateRange(start, end, size int64) error {
	if start < 0 || end < start {
		return domain.ErrUnsatisfiableRange
	}
	if start >= size || end >= size {
		return domain.ErrUnsatisfiableRange
	}
	return nil
}

type rangeReader struct {
	r io.Reader
	c io.Closer
}

func (rr *rangeReader) Read(p []byte) (int, error) { return rr.r.Read(p) }
func (rr *rangeReader) Close() error               { return rr.c.Close() }

func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("storage: open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("storage: create destination: %w", err)
	}

	buf := make([]byte, copyChunkSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("storage: copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("storage: close destination: %w", err)
	}
	return nil
}
