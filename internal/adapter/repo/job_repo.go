package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"assetvault/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL.
//
// Terminal-state immutability is enforced in SQL: every status-changing
// update carries a guard on the current status, so a transition racing
// against an already-terminal job matches zero rows and changes nothing.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

const jobColumns = `job_id, job_type, status, progress_percent, progress_step,
       input_json, result_json, error_json, cancel_requested_at,
       created_at, started_at, finished_at, canceled_at, deleted_at`

// Create inserts a new job in status queued.
func (r *JobRepositoryPG) Create(ctx context.Context, jobID, jobType string, input json.RawMessage) (*domain.Job, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	query := `
INSERT INTO jobs (job_id, job_type, status, input_json)
VALUES ($1, $2, 'queued', $3)
RETURNING ` + jobColumns + `;
`
	return scanJob(r.pool.QueryRow(ctx, query, jobID, jobType, []byte(input)))
}

// GetByID fetches a non-deleted job.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE job_id = $1 AND deleted_at IS NULL;
`
	job, err := scanJob(r.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// List returns non-deleted jobs, newest first, with the unpaged total.
func (r *JobRepositoryPG) List(ctx context.Context, filter domain.JobFilter, limit, offset int) ([]domain.Job, int, error) {
	clauses := []string{"deleted_at IS NULL"}
	args := []any{}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.JobType != "" {
		args = append(args, filter.JobType)
		clauses = append(clauses, fmt.Sprintf("job_type = $%d", len(args)))
	}
	where := "WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(1) FROM jobs "+where+";", args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
SELECT %s
FROM jobs
%s
ORDER BY created_at DESC, job_id ASC
LIMIT $%d OFFSET $%d;
`, jobColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// MarkRunning moves a queued job to running and stamps started_at once.
func (r *JobRepositoryPG) MarkRunning(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE jobs
SET status = 'running', started_at = COALESCE(started_at, NOW())
WHERE job_id = $1 AND deleted_at IS NULL AND status = 'queued';
`, jobID)
	return err
}

// UpdateProgress updates percent and/or step. It never touches status, so
// calls arriving after a terminal transition are accepted but harmless.
func (r *JobRepositoryPG) UpdateProgress(ctx context.Context, jobID string, progress domain.JobProgress) error {
	if progress.Percent == nil && progress.Step == nil {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
UPDATE jobs
SET progress_percent = COALESCE($2, progress_percent),
    progress_step = COALESCE($3, progress_step)
WHERE job_id = $1 AND deleted_at IS NULL;
`, jobID, progress.Percent, progress.Step)
	return err
}

// MarkSucceeded finishes a non-terminal job as succeeded.
func (r *JobRepositoryPG) MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage) error {
	_, err := r.pool.Exec(ctx, `
UPDATE jobs
SET status = 'succeeded',
    progress_percent = COALESCE(progress_percent, 100),
    finished_at = COALESCE(finished_at, NOW()),
    result_json = COALESCE(result_json, $2)
WHERE job_id = $1 AND deleted_at IS NULL
  AND status NOT IN ('succeeded', 'failed', 'canceled');
`, jobID, nullableJSON(result))
	return err
}

// MarkFailed finishes a non-terminal job as failed with a structured error.
func (r *JobRepositoryPG) MarkFailed(ctx context.Context, jobID string, jobErr json.RawMessage) error {
	_, err := r.pool.Exec(ctx, `
UPDATE jobs
SET status = 'failed',
    finished_at = COALESCE(finished_at, NOW()),
    error_json = $2
WHERE job_id = $1 AND deleted_at IS NULL
  AND status NOT IN ('succeeded', 'failed', 'canceled');
`, jobID, []byte(jobErr))
	return err
}

// MarkCanceled finishes a non-terminal job as canceled.
func (r *JobRepositoryPG) MarkCanceled(ctx context.Context, jobID string, result json.RawMessage) error {
	_, err := r.pool.Exec(ctx, `
UPDATE jobs
SET status = 'canceled',
    canceled_at = COALESCE(canceled_at, NOW()),
    finished_at = COALESCE(finished_at, NOW()),
    result_json = COALESCE(result_json, $2)
WHERE job_id = $1 AND deleted_at IS NULL
  AND status NOT IN ('succeeded', 'failed', 'canceled');
`, jobID, nullableJSON(result))
	return err
}

// RequestCancel stamps cancel_requested_at at most once while the job is
// still queued or running.
func (r *JobRepositoryPG) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET cancel_requested_at = COALESCE(cancel_requested_at, NOW())
WHERE job_id = $1 AND deleted_at IS NULL AND status IN ('queued', 'running');
`, jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AppendLog inserts one append-only log entry for the job.
func (r *JobRepositoryPG) AppendLog(ctx context.Context, jobID, level, message string, data map[string]any) error {
	var dataJSON []byte
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal job log data: %w", err)
		}
		dataJSON = b
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO job_logs (job_id, level, message, data_json)
VALUES ($1, $2, $3, $4);
`, jobID, level, message, dataJSON)
	return err
}

// ListLogs returns log entries after the given cursor, oldest first.
func (r *JobRepositoryPG) ListLogs(ctx context.Context, jobID string, afterID int64, limit int) ([]domain.JobLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
SELECT job_log_id, job_id, ts, level, message, data_json
FROM job_logs
WHERE job_id = $1 AND job_log_id > $2
ORDER BY job_log_id ASC
LIMIT $3;
`, jobID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.JobLogEntry
	for rows.Next() {
		var (
			e        domain.JobLogEntry
			dataJSON []byte
		)
		if err := rows.Scan(&e.JobLogID, &e.JobID, &e.TS, &e.Level, &e.Message, &dataJSON); err != nil {
			return nil, err
		}
		e.Data = json.RawMessage(dataJSON)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j          domain.Job
		inputJSON  []byte
		resultJSON []byte
		errorJSON  []byte
	)
	if err := row.Scan(
		&j.JobID,
		&j.JobType,
		&j.Status,
		&j.ProgressPercent,
		&j.ProgressStep,
		&inputJSON,
		&resultJSON,
		&errorJSON,
		&j.CancelRequestedAt,
		&j.CreatedAt,
		&j.StartedAt,
		&j.FinishedAt,
		&j.CanceledAt,
		&j.DeletedAt,
	); err != nil {
		return nil, err
	}
	j.Input = json.RawMessage(inputJSON)
	j.Result = json.RawMessage(resultJSON)
	j.Error = json.RawMessage(errorJSON)
	return &j, nil
}

func nullableJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
