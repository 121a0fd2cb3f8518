package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"assetvault/internal/domain"
	"assetvault/internal/identity"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func runBulkImport(t *testing.T, jc *Context, input map[string]any) *domain.Job {
	t.Helper()
	d := NewDispatcher(jc)
	jobID := createJob(t, jc, JobTypeBulkImport, input)
	d.Run(context.Background(), jobID)

	job, err := jc.Jobs.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func resultMap(t *testing.T, job *domain.Job) map[string]any {
	t.Helper()
	var result map[string]any
	require.NoError(t, json.Unmarshal(job.Result, &result))
	return result
}

func TestBulkImportImportsDirectory(t *testing.T) {
	jc := newTestContext(t)
	src := t.TempDir()
	writeFile(t, src, "a.bin", []byte("content a"))
	writeFile(t, src, "b.bin", []byte("content b"))
	writeFile(t, src, "nested/c.bin", []byte("content c"))

	job := runBulkImport(t, jc, map[string]any{"path": src})
	require.Equal(t, domain.JobStatusSucceeded, job.Status)

	result := resultMap(t, job)
	require.EqualValues(t, 3, result["imported"])
	require.EqualValues(t, 0, result["skipped_existing"])
	require.EqualValues(t, 0, result["errors"])

	// Each file landed as a content-addressed asset.
	hash := identity.SHA256HexBytes([]byte("content a"))
	asset, err := jc.Assets.GetByContentHash(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, hash, asset.AssetID)
	require.Equal(t, "a.bin", asset.Filename)
	require.Equal(t, domain.StorageProviderFS, asset.StorageProvider)
	require.True(t, jc.Storage.FS().Exists(asset.StorageKey))
}

func TestBulkImportNonRecursiveSkipsSubdirs(t *testing.T) {
	jc := newTestContext(t)
	src := t.TempDir()
	writeFile(t, src, "top.bin", []byte("top"))
	writeFile(t, src, "nested/deep.bin", []byte("deep"))

	job := runBulkImport(t, jc, map[string]any{"path": src, "recursive": false})
	require.Equal(t, domain.JobStatusSucceeded, job.Status)
	require.EqualValues(t, 1, resultMap(t, job)["imported"])
}

func TestBulkImportRerunDeduplicates(t *testing.T) {
	jc := newTestContext(t)
	src := t.TempDir()
	writeFile(t, src, "a.bin", []byte("stable content"))
	writeFile(t, src, "copy.bin", []byte("stable content"))

	job := runBulkImport(t, jc, map[string]any{"path": src})
	result := resultMap(t, job)
	// Two files, identical bytes: one import, one dedup.
	require.EqualValues(t, 1, result["imported"])
	require.EqualValues(t, 1, result["skipped_existing"])

	// Second run over the same directory imports nothing new.
	job = runBulkImport(t, jc, map[string]any{"path": src})
	result = resultMap(t, job)
	require.EqualValues(t, 0, result["imported"])
	require.EqualValues(t, 2, result["skipped_existing"])
}

func TestBulkImportSidecarMetadata(t *testing.T) {
	jc := newTestContext(t)
	src := t.TempDir()
	writeFile(t, src, "a.bin", []byte("payload with sidecar"))
	writeFile(t, src, "a.bin_meta.json", []byte(`{"title":"hello"}`))

	job := runBulkImport(t, jc, map[string]any{"path": src})
	require.Equal(t, domain.JobStatusSucceeded, job.Status)

	result := resultMap(t, job)
	// The sidecar is consumed alongside its data file, never imported itself.
	require.EqualValues(t, 1, result["imported"])

	hash := identity.SHA256HexBytes([]byte("payload with sidecar"))
	asset, err := jc.Assets.GetByContentHash(context.Background(), hash)
	require.NoError(t, err)

	items, ok := asset.Meta["metadata"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	entry, ok := items[0].(domain.MetadataEntry)
	require.True(t, ok)
	require.Equal(t, "UserSidecar", entry.Source)
	require.Equal(t, "a.bin_meta.json", entry.Name)
}

func TestBulkImportSidecarAppendsOnDedup(t *testing.T) {
	jc := newTestContext(t)

	first := t.TempDir()
	writeFile(t, first, "a.bin", []byte("shared payload"))
	runBulkImport(t, jc, map[string]any{"path": first})

	second := t.TempDir()
	writeFile(t, second, "b.bin", []byte("shared payload"))
	writeFile(t, second, "b.bin_meta.json", []byte(`{"source":"second run"}`))
	job := runBulkImport(t, jc, map[string]any{"path": second})
	require.EqualValues(t, 1, resultMap(t, job)["skipped_existing"])

	hash := identity.SHA256HexBytes([]byte("shared payload"))
	asset, err := jc.Assets.GetByContentHash(context.Background(), hash)
	require.NoError(t, err)
	items, ok := asset.Meta["metadata"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
}

// failAppendAssets errors every AppendMetadataEntry call while delegating the
// rest of the repository to the embedded implementation.
type failAppendAssets struct {
	domain.AssetRepository
}

func (r *failAppendAssets) AppendMetadataEntry(ctx context.Context, assetID string, entry domain.MetadataEntry) (*domain.Asset, error) {
	return nil, errors.New("append rejected")
}

func TestBulkImportFailedSidecarAppendCountsSkipAndError(t *testing.T) {
	jc := newTestContext(t)

	first := t.TempDir()
	writeFile(t, first, "a.bin", []byte("shared payload"))
	runBulkImport(t, jc, map[string]any{"path": first})

	jc.Assets = &failAppendAssets{AssetRepository: jc.Assets}

	second := t.TempDir()
	writeFile(t, second, "b.bin", []byte("shared payload"))
	writeFile(t, second, "b.bin_meta.json", []byte(`{"source":"second run"}`))
	job := runBulkImport(t, jc, map[string]any{"path": second})
	require.Equal(t, domain.JobStatusSucceeded, job.Status)

	// The dedup hit is counted even though the sidecar append failed, and
	// the failed append is counted as an error on top.
	result := resultMap(t, job)
	require.EqualValues(t, 0, result["imported"])
	require.EqualValues(t, 1, result["skipped_existing"])
	require.EqualValues(t, 1, result["errors"])
}

func TestBulkImportInvalidSidecarSkippedWithWarning(t *testing.T) {
	jc := newTestContext(t)
	src := t.TempDir()
	writeFile(t, src, "a.bin", []byte("data"))
	writeFile(t, src, "a.bin_meta.json", []byte("{not json"))

	job := runBulkImport(t, jc, map[string]any{"path": src})
	require.Equal(t, domain.JobStatusSucceeded, job.Status)
	require.EqualValues(t, 1, resultMap(t, job)["imported"])

	hash := identity.SHA256HexBytes([]byte("data"))
	asset, err := jc.Assets.GetByContentHash(context.Background(), hash)
	require.NoError(t, err)
	items, _ := asset.Meta["metadata"].([]any)
	require.Empty(t, items)

	logs, err := jc.Jobs.ListLogs(context.Background(), job.JobID, 0, 0)
	require.NoError(t, err)
	var warned bool
	for _, e := range logs {
		if e.Message == "Sidecar JSON skipped" {
			warned = true
			require.Equal(t, domain.LogLevelWarning, e.Level)
		}
	}
	require.True(t, warned)
}

func TestBulkImportSkipsEmptyFiles(t *testing.T) {
	jc := newTestContext(t)
	src := t.TempDir()
	writeFile(t, src, "empty.bin", nil)
	writeFile(t, src, "full.bin", []byte("x"))

	job := runBulkImport(t, jc, map[string]any{"path": src})
	require.Equal(t, domain.JobStatusSucceeded, job.Status)

	result := resultMap(t, job)
	require.EqualValues(t, 1, result["imported"])
	require.EqualValues(t, 0, result["errors"])
}

func TestBulkImportMissingDirectoryFails(t *testing.T) {
	jc := newTestContext(t)

	job := runBulkImport(t, jc, map[string]any{"path": filepath.Join(t.TempDir(), "nope")})
	require.Equal(t, domain.JobStatusFailed, job.Status)
}

func TestBulkImportEmptyDirectorySucceeds(t *testing.T) {
	jc := newTestContext(t)

	job := runBulkImport(t, jc, map[string]any{"path": t.TempDir()})
	require.Equal(t, domain.JobStatusSucceeded, job.Status)

	result := resultMap(t, job)
	require.EqualValues(t, 0, result["imported"])
	require.NotNil(t, job.ProgressPercent)
	require.Equal(t, 100.0, *job.ProgressPercent)
}

func TestBulkImportCooperativeCancel(t *testing.T) {
	jc := newTestContext(t)
	src := t.TempDir()
	for _, name := range []string{"a.bin", "b.bin", "c.bin", "d.bin"} {
		writeFile(t, src, name, []byte(name+" content"))
	}

	d := NewDispatcher(jc)
	jobID := createJob(t, jc, JobTypeBulkImport, map[string]any{"path": src})

	// The cancel flag is already set when the first per-file checkpoint runs,
	// so the job drives itself to canceled before importing anything.
	requested, err := jc.Jobs.RequestCancel(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, requested)

	// Clear queued-state handling: the dispatcher cancels pre-start. Force the
	// running path instead by marking running first and invoking the handler.
	require.NoError(t, jc.Jobs.MarkRunning(context.Background(), jobID))
	job, err := jc.Jobs.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	_, err = RunBulkImport(context.Background(), d.jc, jobID, job.InputMap())
	require.NoError(t, err)

	job, err = jc.Jobs.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCanceled, job.Status)

	result := resultMap(t, job)
	require.Equal(t, true, result["canceled"])
	require.EqualValues(t, 0, result["imported"])
}

// cancelAfterPolls requests a cancel once the handler has polled the cancel
// flag a given number of times. RunBulkImport polls exactly once per file, so
// the cutoff lands between two file imports deterministically.
type cancelAfterPolls struct {
	domain.JobRepository
	after int
	polls int
}

func (r *cancelAfterPolls) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	r.polls++
	if r.polls == r.after+1 {
		if _, err := r.JobRepository.RequestCancel(ctx, jobID); err != nil {
			return nil, err
		}
	}
	return r.JobRepository.GetByID(ctx, jobID)
}

func TestBulkImportCancelMidway(t *testing.T) {
	jc := newTestContext(t)
	src := t.TempDir()
	for _, name := range []string{"a.bin", "b.bin", "c.bin", "d.bin", "e.bin"} {
		writeFile(t, src, name, []byte(name+" content"))
	}

	inner := jc.Jobs
	jc.Jobs = &cancelAfterPolls{JobRepository: inner, after: 2}

	jobID := createJob(t, jc, JobTypeBulkImport, map[string]any{"path": src})
	require.NoError(t, inner.MarkRunning(context.Background(), jobID))
	_, err := RunBulkImport(context.Background(), jc, jobID, map[string]any{"path": src})
	require.NoError(t, err)

	job, err := inner.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCanceled, job.Status)

	result := resultMap(t, job)
	require.Equal(t, true, result["canceled"])
	// Only the files imported before the flag was observed are counted.
	require.EqualValues(t, 2, result["imported"])

	logs, err := inner.ListLogs(context.Background(), jobID, 0, 0)
	require.NoError(t, err)
	var sawCancelEntry bool
	for _, e := range logs {
		if e.Message == "Bulk import canceled" {
			sawCancelEntry = true
		}
	}
	require.True(t, sawCancelEntry)
}

func TestBulkImportProgressAndLogsRecorded(t *testing.T) {
	jc := newTestContext(t)
	src := t.TempDir()
	writeFile(t, src, "a.bin", []byte("progress a"))
	writeFile(t, src, "b.bin", []byte("progress b"))

	job := runBulkImport(t, jc, map[string]any{"path": src})
	require.Equal(t, domain.JobStatusSucceeded, job.Status)

	logs, err := jc.Jobs.ListLogs(context.Background(), job.JobID, 0, 0)
	require.NoError(t, err)

	messages := make([]string, 0, len(logs))
	for _, e := range logs {
		messages = append(messages, e.Message)
	}
	require.Contains(t, messages, "Job started")
	require.Contains(t, messages, "Bulk import discovered files")
	require.Contains(t, messages, "Imported")
	require.Contains(t, messages, "Job completed")

	// Log IDs are strictly increasing.
	for i := 1; i < len(logs); i++ {
		require.Greater(t, logs[i].JobLogID, logs[i-1].JobLogID)
	}
}
