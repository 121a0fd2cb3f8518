package domain

import (
	"context"
	"encoding/json"
)

// AssetRepository defines persistence for asset records. Implementations must
// treat content_hash as unique among non-deleted rows and report conflicts as
// ErrAlreadyExists so callers can attach to the existing row.
type AssetRepository interface {
	Create(ctx context.Context, asset *Asset) (*Asset, error)
	GetByID(ctx context.Context, assetID string) (*Asset, error)
	GetByContentHash(ctx context.Context, contentHash string) (*Asset, error)
	List(ctx context.Context, filter AssetFilter, limit, offset int) ([]Asset, int, error)
	AppendMetadataEntry(ctx context.Context, assetID string, entry MetadataEntry) (*Asset, error)
	SoftDelete(ctx context.Context, assetID string) (bool, error)
}

// AssetFilter narrows asset listings. Empty fields match everything.
type AssetFilter struct {
	Kind string
}

// JobFilter narrows job listings. Empty fields match everything.
type JobFilter struct {
	Status  JobStatus
	JobType string
}

// JobProgress carries a partial progress update; nil fields are left as-is.
type JobProgress struct {
	Percent *float64
	Step    *string
}

// JobRepository defines persistence for jobs and their append-only logs.
//
// The Mark* transitions are conditional updates: they only take effect while
// the job is in a non-terminal status, which is how concurrent last-write
// races are resolved. Calls against a terminal job are accepted and simply
// change nothing.
type JobRepository interface {
	Create(ctx context.Context, jobID, jobType string, input json.RawMessage) (*Job, error)
	GetByID(ctx context.Context, jobID string) (*Job, error)
	List(ctx context.Context, filter JobFilter, limit, offset int) ([]Job, int, error)

	MarkRunning(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, jobID string, progress JobProgress) error
	MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage) error
	MarkFailed(ctx context.Context, jobID string, jobErr json.RawMessage) error
	MarkCanceled(ctx context.Context, jobID string, result json.RawMessage) error

	// RequestCancel sets cancel_requested_at (at most once) while the job is
	// queued or running. It reports whether any row matched.
	RequestCancel(ctx context.Context, jobID string) (bool, error)

	AppendLog(ctx context.Context, jobID, level, message string, data map[string]any) error
	ListLogs(ctx context.Context, jobID string, afterID int64, limit int) ([]JobLogEntry, error)
}
