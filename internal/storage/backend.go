// Package storage defines the persistence contract for jobs and runs and
// provides a SQLite backend and an in-memory reference backend.
//
// Both backends must be safe for concurrent use: the orchestrator writes
// progress from attempt goroutines while the poll loop reads eligibility.
package storage

import (
	"context"
	"time"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
)

// Backend groups the job and run stores of one storage engine.
type Backend interface {
	Jobs() JobStore
	Runs() RunStore
	Close() error
}

// JobFilter narrows List results. Zero fields match everything.
type JobFilter struct {
	Kind   string
	Status model.JobStatus
}

// JobStore is the durable table of jobs.
//
// Every mutation on an id the store does not hold returns a *NotFoundError.
type JobStore interface {
	// Save inserts the job or replaces the stored copy with the same id.
	Save(ctx context.Context, job *model.Job) error

	FindByID(ctx context.Context, id string) (*model.Job, error)

	// FindNextEligible returns the job of the given kind with the earliest
	// scheduled time (ties broken by insertion order) that is not completed,
	// not failed, due at or before now and has no running run.
	// It returns nil, nil when nothing is eligible.
	FindNextEligible(ctx context.Context, kind string, now time.Time) (*model.Job, error)

	MarkProcessing(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, percent float64, summary string) error
	SetPID(ctx context.Context, id string, pid int) error

	// IncrementAttempts adds one finished attempt and returns the new count.
	IncrementAttempts(ctx context.Context, id string) (int, error)

	MarkCompleted(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, lastError string) error

	// Reschedule moves the job to retrying with the given attempt count and
	// next eligible time.
	Reschedule(ctx context.Context, id string, attempts int, scheduledAt time.Time, lastError string) error

	// Requeue resets a failed job to pending with zero attempts.
	Requeue(ctx context.Context, id string, at time.Time) error

	List(ctx context.Context, filter JobFilter) ([]*model.Job, error)
	// ListPending returns jobs that are neither completed nor failed.
	ListPending(ctx context.Context, kind string) ([]*model.Job, error)
	ListCompleted(ctx context.Context, kind string) ([]*model.Job, error)

	// Stats returns job counts keyed by status.
	Stats(ctx context.Context) (map[string]int, error)
}

// RunStore is the append-mostly log of execution attempts.
type RunStore interface {
	// Save creates the run or updates the stored copy with the same id.
	Save(ctx context.Context, run *model.Run) error

	FindByID(ctx context.Context, id string) (*model.Run, error)
	FindLatestByJobID(ctx context.Context, jobID string) (*model.Run, error)
	ListByJobID(ctx context.Context, jobID string) ([]*model.Run, error)

	ListRunning(ctx context.Context) ([]*model.Run, error)
	ListFailed(ctx context.Context) ([]*model.Run, error)
	ListSuccess(ctx context.Context) ([]*model.Run, error)
}

func validateJob(job *model.Job) error {
	if job == nil || job.ID == "" {
		return NewInvalidInputError("id", "job id is required")
	}
	if job.Kind == "" {
		return NewInvalidInputError("kind", "job kind is required")
	}
	if job.Status == "" {
		job.Status = model.StatusPending
	}
	if !job.Status.IsValid() {
		return NewInvalidInputError("status", string(job.Status))
	}
	return nil
}

func validateRun(run *model.Run) error {
	if run == nil || run.ID == "" {
		return NewInvalidInputError("id", "run id is required")
	}
	if run.JobID == "" {
		return NewInvalidInputError("job_id", "run job id is required")
	}
	switch run.State {
	case model.RunRunning, model.RunSuccess, model.RunFailed:
	default:
		return NewInvalidInputError("state", string(run.State))
	}
	return nil
}

func stampJob(job *model.Job, now time.Time) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = job.CreatedAt
	}
	job.UpdatedAt = now
}
