package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further status transition is permitted.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Job is a background operation executed asynchronously by the dispatcher.
// Once a job reaches a terminal status it is immutable apart from log reads.
type Job struct {
	JobID             string
	JobType           string
	Status            JobStatus
	ProgressPercent   *float64
	ProgressStep      *string
	Input             json.RawMessage
	Result            json.RawMessage
	Error             json.RawMessage
	CancelRequestedAt *time.Time
	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	CanceledAt        *time.Time
	DeletedAt         *time.Time
}

// CancelRequested reports whether a cooperative cancel has been asked for.
func (j *Job) CancelRequested() bool {
	return j.CancelRequestedAt != nil
}

// InputMap decodes the job input payload into a generic map. A missing or
// malformed payload yields an empty map; handlers validate their own fields.
func (j *Job) InputMap() map[string]any {
	out := map[string]any{}
	if len(j.Input) == 0 {
		return out
	}
	if err := json.Unmarshal(j.Input, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// JobLogEntry is one append-only log line attached to a job. Entries are
// ordered by JobLogID and never mutated or deleted.
type JobLogEntry struct {
	JobLogID int64
	JobID    string
	TS       time.Time
	Level    string
	Message  string
	Data     json.RawMessage
}

// Job log levels.
const (
	LogLevelDebug   = "debug"
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)
