package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"assetvault/internal/domain"
	"assetvault/internal/identity"
)

const (
	jobListDefaultLimit = 50
	jobListMaxLimit     = 200
	jobLogDefaultLimit  = 200
	jobLogMaxLimit      = 1000
)

type jobJSON struct {
	JobID             string          `json:"job_id"`
	JobType           string          `json:"job_type"`
	Status            string          `json:"status"`
	ProgressPercent   *float64        `json:"progress_percent"`
	ProgressStep      *string         `json:"progress_step"`
	Input             json.RawMessage `json:"input_json"`
	Result            json.RawMessage `json:"result_json"`
	Error             json.RawMessage `json:"error_json"`
	CancelRequestedAt *time.Time      `json:"cancel_requested_at"`
	StartedAt         *time.Time      `json:"started_at"`
	FinishedAt        *time.Time      `json:"finished_at"`
	CanceledAt        *time.Time      `json:"canceled_at"`
	CreatedAt         time.Time       `json:"created_at"`
}

func toJobJSON(j *domain.Job) jobJSON {
	return jobJSON{
		JobID:             j.JobID,
		JobType:           j.JobType,
		Status:            string(j.Status),
		ProgressPercent:   j.ProgressPercent,
		ProgressStep:      j.ProgressStep,
		Input:             rawOrNull(j.Input),
		Result:            rawOrNull(j.Result),
		Error:             rawOrNull(j.Error),
		CancelRequestedAt: j.CancelRequestedAt,
		StartedAt:         j.StartedAt,
		FinishedAt:        j.FinishedAt,
		CanceledAt:        j.CanceledAt,
		CreatedAt:         j.CreatedAt,
	}
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

type createJobRequest struct {
	JobType string         `json:"job_type"`
	Input   map[string]any `json:"input"`
}

// CreateJob records a queued job and hands it to the dispatcher, which runs
// it on its own goroutine. The response reflects the queued row; progress is
// observed via GetJob and GetJobLog.
func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}
	req.JobType = strings.TrimSpace(req.JobType)
	if req.JobType == "" {
		a.error(w, http.StatusUnprocessableEntity, "invalid_input", "job_type is required")
		return
	}
	if !a.Dispatcher.Known(req.JobType) {
		a.error(w, http.StatusUnprocessableEntity, "unknown_job_type", "unknown job_type: "+req.JobType)
		return
	}

	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		a.error(w, http.StatusUnprocessableEntity, "invalid_input", "input must be JSON-encodable")
		return
	}

	jobID := identity.NewJobID()
	job, err := a.Jobs.Create(r.Context(), jobID, req.JobType, inputJSON)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}
	if err := a.Jobs.AppendLog(r.Context(), jobID, domain.LogLevelInfo, "Job queued", map[string]any{"job_type": req.JobType}); err != nil {
		a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to append queued log")
	}

	a.Dispatcher.Dispatch(jobID)
	a.json(w, http.StatusCreated, toJobJSON(job))
}

// ListJobs returns jobs newest first, with optional status and job_type
// filters.
func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.JobFilter{
		Status:  domain.JobStatus(strings.TrimSpace(q.Get("status"))),
		JobType: strings.TrimSpace(q.Get("job_type")),
	}
	limit := queryInt(q.Get("limit"), jobListDefaultLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > jobListMaxLimit {
		limit = jobListMaxLimit
	}
	offset := queryInt(q.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := a.Jobs.List(r.Context(), filter, limit, offset)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}

	items := make([]jobJSON, 0, len(jobs))
	for i := range jobs {
		items = append(items, toJobJSON(&jobs[i]))
	}
	a.json(w, http.StatusOK, map[string]any{
		"jobs":   items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetJob returns a single job.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	a.json(w, http.StatusOK, toJobJSON(job))
}

type jobLogJSON struct {
	JobLogID int64           `json:"job_log_id"`
	JobID    string          `json:"job_id"`
	TS       time.Time       `json:"ts"`
	Level    string          `json:"level"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
}

// GetJobLog returns log entries after the given cursor, oldest first, plus
// the cursor to resume from.
func (a *App) GetJobLog(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := a.Jobs.GetByID(r.Context(), jobID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}

	q := r.URL.Query()
	afterID := int64(queryInt(q.Get("after_id"), 0))
	limit := queryInt(q.Get("limit"), jobLogDefaultLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > jobLogMaxLimit {
		limit = jobLogMaxLimit
	}

	entries, err := a.Jobs.ListLogs(r.Context(), jobID, afterID, limit)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list job log")
		return
	}

	items := make([]jobLogJSON, 0, len(entries))
	nextAfterID := afterID
	for _, e := range entries {
		data := e.Data
		if len(data) == 0 {
			data = json.RawMessage(`{}`)
		}
		items = append(items, jobLogJSON{
			JobLogID: e.JobLogID,
			JobID:    e.JobID,
			TS:       e.TS,
			Level:    e.Level,
			Message:  e.Message,
			Data:     data,
		})
		if e.JobLogID > nextAfterID {
			nextAfterID = e.JobLogID
		}
	}
	a.json(w, http.StatusOK, map[string]any{
		"entries":       items,
		"next_after_id": nextAfterID,
	})
}

// CancelJob flags a queued or running job for cooperative cancellation. The
// job transitions to canceled only when the handler observes the flag; jobs
// already terminal are left untouched.
func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}

	requested, err := a.Jobs.RequestCancel(r.Context(), jobID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to request cancel")
		return
	}
	if requested {
		if err := a.Jobs.AppendLog(r.Context(), jobID, domain.LogLevelInfo, "Cancel requested", nil); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to append cancel log")
		}
	}

	job, err = a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"requested": requested,
		"job":       toJobJSON(job),
	})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
