package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"assetvault/internal/domain"
	"assetvault/internal/identity"
)

// RunBulkImport imports every file under a directory as a deduplicated
// asset. Input fields: path (required), recursive (default true), kind
// (default "file"), throttle_ms (default 0).
//
// Cancellation is cooperative: the cancel flag is polled once per file, so an
// in-flight single-file import always completes before a cancel is honored.
// Per-file failures are counted and logged but never abort the whole run.
func RunBulkImport(ctx context.Context, jc *Context, jobID string, input map[string]any) (map[string]any, error) {
	srcDir, _ := input["path"].(string)
	recursive := boolInput(input, "recursive", true)
	kind, _ := input["kind"].(string)
	if strings.TrimSpace(kind) == "" {
		kind = "file"
	}
	throttle := time.Duration(intInput(input, "throttle_ms", jc.DefaultThrottleMs)) * time.Millisecond

	info, err := os.Stat(srcDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: path must be an existing directory", domain.ErrInvalidInput)
	}

	files, err := discoverFiles(srcDir, recursive)
	if err != nil {
		return nil, err
	}
	// Deterministic, reproducible ordering regardless of how the filesystem
	// enumerates entries.
	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(files[i]) < strings.ToLower(files[j])
	})

	jc.logEntry(ctx, jobID, domain.LogLevelInfo, "Bulk import discovered files", map[string]any{
		"path":      srcDir,
		"files":     len(files),
		"recursive": recursive,
	})

	total := len(files)
	imported := 0
	skippedExisting := 0
	errCount := 0

	result := func() map[string]any {
		return map[string]any{
			"path":             srcDir,
			"imported":         imported,
			"skipped_existing": skippedExisting,
			"errors":           errCount,
		}
	}

	if total == 0 {
		jc.updateProgress(ctx, jobID, 100, "no files")
		return result(), nil
	}

	for idx, filePath := range files {
		if jc.cancelRequested(ctx, jobID) {
			jc.logEntry(ctx, jobID, domain.LogLevelInfo, "Bulk import canceled", nil)
			canceled := result()
			canceled["canceled"] = true
			if err := jc.Jobs.MarkCanceled(ctx, jobID, mustJSON(canceled)); err != nil {
				jc.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: mark canceled failed")
			}
			return canceled, nil
		}

		pct := float64(idx) / float64(total) * 100
		jc.updateProgress(ctx, jobID, pct, "importing "+filepath.Base(filePath))

		sidecarData, sidecarName := jc.loadSidecar(ctx, jobID, filePath)

		created, deduped, err := importOne(ctx, jc, filePath, kind, sidecarData, sidecarName)
		switch {
		case err != nil:
			if errors.Is(err, errSkippedEmpty) {
				jc.logEntry(ctx, jobID, domain.LogLevelWarning, "Skipped empty file", map[string]any{"file": filePath})
				break
			}
			if deduped {
				// Content already imported but the sidecar append failed.
				// The file counts as skipped and as errored.
				skippedExisting++
			}
			errCount++
			jc.logEntry(ctx, jobID, domain.LogLevelError, "Import failed", map[string]any{
				"file":  filePath,
				"error": err.Error(),
			})
		case deduped:
			skippedExisting++
			jc.logEntry(ctx, jobID, domain.LogLevelInfo, "Skipped (already imported)", map[string]any{
				"file":     filePath,
				"asset_id": created.AssetID,
			})
		default:
			imported++
			jc.logEntry(ctx, jobID, domain.LogLevelInfo, "Imported", map[string]any{
				"file":     filePath,
				"asset_id": created.AssetID,
				"bytes":    created.ByteSize,
			})
		}

		if throttle > 0 {
			time.Sleep(throttle)
		}
	}

	jc.updateProgress(ctx, jobID, 100, "done")
	return result(), nil
}

var errSkippedEmpty = errors.New("empty file")

// importOne imports a single file. It returns the asset row and whether the
// content already existed (deduped either by lookup or by losing an insert
// race to a concurrent writer).
func importOne(ctx context.Context, jc *Context, filePath, kind string, sidecarData any, sidecarName string) (*domain.Asset, bool, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, false, err
	}
	byteSize := info.Size()
	if byteSize <= 0 {
		return nil, false, errSkippedEmpty
	}

	contentHash, err := identity.SHA256HexFile(filePath)
	if err != nil {
		return nil, false, err
	}
	assetID, err := identity.AssetIDFromContentHash(contentHash)
	if err != nil {
		return nil, false, err
	}

	existing, err := jc.Assets.GetByContentHash(ctx, contentHash)
	if err == nil {
		if sidecarData != nil {
			entry := domain.NewSidecarEntry(sidecarName, sidecarData)
			if _, err := jc.Assets.AppendMetadataEntry(ctx, existing.AssetID, entry); err != nil {
				// Still a dedup hit; the caller counts the failed append as
				// an error on top of the skip.
				return existing, true, err
			}
		}
		return existing, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}

	upload, err := jc.Storage.StoreExistingFile(ctx, filePath, assetID, kind, byteSize)
	if err != nil {
		return nil, false, err
	}

	meta := map[string]any{"metadata": []any{}}
	if sidecarData != nil {
		meta["metadata"] = []any{domain.NewSidecarEntry(sidecarName, sidecarData)}
	}

	asset := &domain.Asset{
		AssetID:         assetID,
		Kind:            kind,
		Filename:        filepath.Base(filePath),
		ContentHash:     contentHash,
		ByteSize:        byteSize,
		MimeType:        guessMimeType(filePath),
		StorageProvider: upload.StorageProvider,
		StorageKey:      upload.StorageKey,
		Meta:            meta,
	}

	created, err := jc.Assets.Create(ctx, asset)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Lost the uniqueness race to a concurrent writer.
			return asset, true, nil
		}
		return nil, false, err
	}
	return created, false, nil
}

func discoverFiles(srcDir string, recursive bool) ([]string, error) {
	var files []string
	if recursive {
		err := filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && !isMetaFile(d.Name()) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk import dir: %w", err)
		}
		return files, nil
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, fmt.Errorf("read import dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && !isMetaFile(e.Name()) {
			files = append(files, filepath.Join(srcDir, e.Name()))
		}
	}
	return files, nil
}

// isMetaFile matches sidecar metadata files which are consumed alongside
// their data file rather than imported on their own.
func isMetaFile(name string) bool {
	n := strings.ToLower(name)
	return n == "_meta.json" || strings.HasSuffix(n, "_meta.json") || strings.HasSuffix(n, "._meta.json")
}

// sidecarCandidates lists the naming conventions checked for a co-located
// sidecar JSON file, in priority order.
func sidecarCandidates(filePath string) []string {
	dir := filepath.Dir(filePath)
	name := filepath.Base(filePath)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return []string{
		filepath.Join(dir, name+"_meta.json"),
		filepath.Join(dir, name+"._meta.json"),
		filepath.Join(dir, stem+"_meta.json"),
		filepath.Join(dir, stem+"._meta.json"),
	}
}

// loadSidecar finds and parses the first sidecar candidate for filePath. A
// broken sidecar (non-UTF-8, invalid JSON, empty payload) is skipped with a
// warning log, never failing the surrounding job.
func (jc *Context) loadSidecar(ctx context.Context, jobID, filePath string) (any, string) {
	for _, cand := range sidecarCandidates(filePath) {
		info, err := os.Stat(cand)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := readSidecarJSON(cand)
		if err != nil {
			jc.logEntry(ctx, jobID, domain.LogLevelWarning, "Sidecar JSON skipped", map[string]any{
				"file":    filePath,
				"sidecar": cand,
				"error":   err.Error(),
			})
			return nil, ""
		}
		return data, filepath.Base(cand)
	}
	return nil, ""
}

func readSidecarJSON(path string) (any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(raw) {
		return nil, errors.New("_meta.json must be UTF-8")
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.New("_meta.json must be valid JSON")
	}
	if parsed == nil || parsed == "" {
		return nil, errors.New("_meta.json must be non-empty")
	}
	return parsed, nil
}

func guessMimeType(filePath string) string {
	mt := mime.TypeByExtension(filepath.Ext(filePath))
	// Drop parameters such as "; charset=utf-8"; only the media type is kept.
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

func (jc *Context) cancelRequested(ctx context.Context, jobID string) bool {
	job, err := jc.Jobs.GetByID(ctx, jobID)
	return err == nil && job.CancelRequested()
}

func (jc *Context) updateProgress(ctx context.Context, jobID string, percent float64, step string) {
	if err := jc.Jobs.UpdateProgress(ctx, jobID, domain.JobProgress{Percent: &percent, Step: &step}); err != nil {
		jc.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: update progress failed")
	}
}

func (jc *Context) logEntry(ctx context.Context, jobID, level, message string, data map[string]any) {
	if err := jc.Jobs.AppendLog(ctx, jobID, level, message, data); err != nil {
		jc.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: append log failed")
	}
}

func boolInput(input map[string]any, key string, fallback bool) bool {
	v, ok := input[key]
	if !ok {
		return fallback
	}
	b, ok := v.(bool)
	if !ok {
		return fallback
	}
	return b
}

func intInput(input map[string]any, key string, fallback int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return fallback
}
