package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"assetvault/internal/domain"
)

// JobRepository is an in-memory domain.JobRepository. It mirrors the SQL
// adapter's conditional transitions: terminal jobs are never changed, and
// cancel/progress calls against them are accepted no-ops.
type JobRepository struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	logs   []domain.JobLogEntry
	logSeq int64
}

// NewJobRepository creates an empty in-memory job repository.
func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: map[string]*domain.Job{}}
}

// Create inserts a new job in status queued.
func (r *JobRepository) Create(ctx context.Context, jobID, jobType string, input json.RawMessage) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; ok {
		return nil, domain.ErrAlreadyExists
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	job := &domain.Job{
		JobID:     jobID,
		JobType:   jobType,
		Status:    domain.JobStatusQueued,
		Input:     append(json.RawMessage(nil), input...),
		CreatedAt: time.Now().UTC(),
	}
	r.jobs[jobID] = job
	return copyJob(job), nil
}

// GetByID fetches a non-deleted job.
func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.DeletedAt != nil {
		return nil, domain.ErrNotFound
	}
	return copyJob(job), nil
}

// List returns non-deleted jobs, newest first, with the unpaged total.
func (r *JobRepository) List(ctx context.Context, filter domain.JobFilter, limit, offset int) ([]domain.Job, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*domain.Job
	for _, job := range r.jobs {
		if job.DeletedAt != nil {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.JobType != "" && job.JobType != filter.JobType {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].JobID < matched[j].JobID
	})

	total := len(matched)
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]domain.Job, 0, len(matched))
	for _, job := range matched {
		out = append(out, *copyJob(job))
	}
	return out, total, nil
}

// MarkRunning moves a queued job to running.
func (r *JobRepository) MarkRunning(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.DeletedAt != nil || job.Status != domain.JobStatusQueued {
		return nil
	}
	job.Status = domain.JobStatusRunning
	if job.StartedAt == nil {
		now := time.Now().UTC()
		job.StartedAt = &now
	}
	return nil
}

// UpdateProgress updates percent and/or step without touching status.
func (r *JobRepository) UpdateProgress(ctx context.Context, jobID string, progress domain.JobProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.DeletedAt != nil {
		return nil
	}
	if progress.Percent != nil {
		pct := *progress.Percent
		job.ProgressPercent = &pct
	}
	if progress.Step != nil {
		step := *progress.Step
		job.ProgressStep = &step
	}
	return nil
}

// MarkSucceeded finishes a non-terminal job as succeeded.
func (r *JobRepository) MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.DeletedAt != nil || job.Status.Terminal() {
		return nil
	}
	job.Status = domain.JobStatusSucceeded
	if job.ProgressPercent == nil {
		pct := 100.0
		job.ProgressPercent = &pct
	}
	stampFinished(job)
	if job.Result == nil && len(result) > 0 {
		job.Result = append(json.RawMessage(nil), result...)
	}
	return nil
}

// MarkFailed finishes a non-terminal job as failed.
func (r *JobRepository) MarkFailed(ctx context.Context, jobID string, jobErr json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.DeletedAt != nil || job.Status.Terminal() {
		return nil
	}
	job.Status = domain.JobStatusFailed
	stampFinished(job)
	job.Error = append(json.RawMessage(nil), jobErr...)
	return nil
}

// MarkCanceled finishes a non-terminal job as canceled.
func (r *JobRepository) MarkCanceled(ctx context.Context, jobID string, result json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.DeletedAt != nil || job.Status.Terminal() {
		return nil
	}
	job.Status = domain.JobStatusCanceled
	now := time.Now().UTC()
	if job.CanceledAt == nil {
		job.CanceledAt = &now
	}
	stampFinished(job)
	if job.Result == nil && len(result) > 0 {
		job.Result = append(json.RawMessage(nil), result...)
	}
	return nil
}

// RequestCancel stamps cancel_requested_at at most once while queued/running.
func (r *JobRepository) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.DeletedAt != nil {
		return false, nil
	}
	if job.Status != domain.JobStatusQueued && job.Status != domain.JobStatusRunning {
		return false, nil
	}
	if job.CancelRequestedAt == nil {
		now := time.Now().UTC()
		job.CancelRequestedAt = &now
	}
	return true, nil
}

// AppendLog records one append-only log entry with a monotonic id.
func (r *JobRepository) AppendLog(ctx context.Context, jobID, level, message string, data map[string]any) error {
	var dataJSON json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		dataJSON = b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.logSeq++
	r.logs = append(r.logs, domain.JobLogEntry{
		JobLogID: r.logSeq,
		JobID:    jobID,
		TS:       time.Now().UTC(),
		Level:    level,
		Message:  message,
		Data:     dataJSON,
	})
	return nil
}

// ListLogs returns log entries after the cursor, oldest first.
func (r *JobRepository) ListLogs(ctx context.Context, jobID string, afterID int64, limit int) ([]domain.JobLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.JobLogEntry
	for _, e := range r.logs {
		if e.JobID != jobID || e.JobLogID <= afterID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func stampFinished(job *domain.Job) {
	if job.FinishedAt == nil {
		now := time.Now().UTC()
		job.FinishedAt = &now
	}
}

func copyJob(job *domain.Job) *domain.Job {
	out := *job
	out.Input = append(json.RawMessage(nil), job.Input...)
	out.Result = append(json.RawMessage(nil), job.Result...)
	out.Error = append(json.RawMessage(nil), job.Error...)
	out.ProgressPercent = copyFloat(job.ProgressPercent)
	out.ProgressStep = copyString(job.ProgressStep)
	out.CancelRequestedAt = copyTime(job.CancelRequestedAt)
	out.StartedAt = copyTime(job.StartedAt)
	out.FinishedAt = copyTime(job.FinishedAt)
	out.CanceledAt = copyTime(job.CanceledAt)
	out.DeletedAt = copyTime(job.DeletedAt)
	return &out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	return &f
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}

var _ domain.JobRepository = (*JobRepository)(nil)
