// Package jobs implements the background job engine: a static handler
// registry, a goroutine-per-job dispatcher that reconciles final job state,
// and the built-in job handlers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"assetvault/internal/domain"
	"assetvault/internal/storage"
)

// JobTypeBulkImport is the directory bulk-import job.
const JobTypeBulkImport = "assets.bulk-import"

// Handler executes one job. It receives the collaborators it needs via jc,
// returns the job result payload, and is responsible for its own cooperative
// cancellation checkpoints (polling cancel_requested_at and driving the job
// to canceled itself when it honors a cancel).
type Handler func(ctx context.Context, jc *Context, jobID string, input map[string]any) (map[string]any, error)

// Context bundles the collaborators handlers work with. New job types are
// added by registering a handler; the dispatcher never changes.
type Context struct {
	Jobs    domain.JobRepository
	Assets  domain.AssetRepository
	Storage *storage.Manager
	Logger  zerolog.Logger

	// DefaultThrottleMs is the per-file sleep applied by bulk imports when
	// the job input does not specify throttle_ms.
	DefaultThrottleMs int
}

// Dispatcher runs jobs asynchronously, one goroutine per job. There is no
// worker pool and no admission limit: every dispatched job immediately gets
// its own goroutine.
type Dispatcher struct {
	jc       *Context
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher with the default handler registry.
func NewDispatcher(jc *Context) *Dispatcher {
	return &Dispatcher{
		jc: jc,
		handlers: map[string]Handler{
			JobTypeBulkImport: RunBulkImport,
		},
	}
}

// Register adds or replaces a handler for a job type.
func (d *Dispatcher) Register(jobType string, h Handler) {
	d.handlers[jobType] = h
}

// KnownJobTypes returns the registered type tags, sorted.
func (d *Dispatcher) KnownJobTypes() []string {
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Known reports whether a job type has a registered handler.
func (d *Dispatcher) Known(jobType string) bool {
	_, ok := d.handlers[jobType]
	return ok
}

// Dispatch starts the job's execution in its own goroutine and returns
// immediately. The caller observes completion through the job record.
func (d *Dispatcher) Dispatch(jobID string) {
	go d.run(context.Background(), jobID)
}

// Run executes the job synchronously. Tests and embedded callers use this to
// wait for completion deterministically.
func (d *Dispatcher) Run(ctx context.Context, jobID string) {
	d.run(ctx, jobID)
}

func (d *Dispatcher) run(ctx context.Context, jobID string) {
	jc := d.jc

	job, err := jc.Jobs.GetByID(ctx, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			jc.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: fetch before run failed")
		}
		return
	}

	handler, ok := d.handlers[job.JobType]
	if !ok {
		d.log(ctx, jobID, domain.LogLevelError, "Unknown job type", map[string]any{"job_type": job.JobType})
		d.fail(ctx, jobID, "unknown_job_type", "Unknown job type")
		return
	}

	if job.CancelRequested() {
		// Canceled before it ever started; nothing to run.
		d.log(ctx, jobID, domain.LogLevelInfo, "Job canceled", nil)
		if err := jc.Jobs.MarkCanceled(ctx, jobID, mustJSON(map[string]any{"canceled": true})); err != nil {
			jc.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: mark canceled failed")
		}
		return
	}

	if err := jc.Jobs.MarkRunning(ctx, jobID); err != nil {
		// Leaving the job queued would strand it forever; record a failure.
		jc.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: mark running failed")
		d.fail(ctx, jobID, "job_failed", "failed to mark job running: "+err.Error())
		return
	}
	d.log(ctx, jobID, domain.LogLevelInfo, "Job started", map[string]any{"job_type": job.JobType})

	result, err := d.invoke(ctx, handler, jobID, job.InputMap())
	if err != nil {
		d.log(ctx, jobID, domain.LogLevelError, "Job failed", map[string]any{"error": err.Error()})
		d.fail(ctx, jobID, "job_failed", err.Error())
		return
	}

	// The handler may have honored a cooperative cancel and driven the job
	// to canceled itself; leave that final state alone.
	final, err := jc.Jobs.GetByID(ctx, jobID)
	if err == nil && final.Status == domain.JobStatusCanceled {
		return
	}

	if err := jc.Jobs.MarkSucceeded(ctx, jobID, mustJSON(result)); err != nil {
		jc.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: mark succeeded failed")
		return
	}
	d.log(ctx, jobID, domain.LogLevelInfo, "Job completed", nil)
}

// invoke runs the handler, converting a panic into an ordinary error so one
// misbehaving job cannot take the process down.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, jobID string, input map[string]any) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return handler(ctx, d.jc, jobID, input)
}

func (d *Dispatcher) fail(ctx context.Context, jobID, code, message string) {
	payload := mustJSON(map[string]any{"code": code, "message": message})
	if err := d.jc.Jobs.MarkFailed(ctx, jobID, payload); err != nil {
		d.jc.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: mark failed failed")
	}
}

func (d *Dispatcher) log(ctx context.Context, jobID, level, message string, data map[string]any) {
	if err := d.jc.Jobs.AppendLog(ctx, jobID, level, message, data); err != nil {
		d.jc.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: append log failed")
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
