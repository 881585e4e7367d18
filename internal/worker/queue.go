package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/process"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/storage"
)

// EnqueueRequest is the input of Enqueue. ID is generated when empty and
// ScheduledAt defaults to now.
type EnqueueRequest struct {
	ID              string          `json:"id,omitempty"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	TargetDirectory string          `json:"target_directory"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries      int             `json:"max_retries,omitempty"`
}

// Enqueue stores a pending job and returns its id without waiting for it
// to run.
func (o *Orchestrator) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if _, ok := o.handlers[req.Kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return "", storage.NewInvalidInputError("payload", "payload must be valid JSON")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if _, err := o.store.Jobs().FindByID(ctx, req.ID); err == nil {
		return "", storage.NewInvalidInputError("id", fmt.Sprintf("job '%s' already exists", req.ID))
	} else if !storage.IsNotFound(err) {
		return "", err
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.opts.MaxRetries
	}

	now := time.Now()
	job := &model.Job{
		ID:              req.ID,
		Kind:            req.Kind,
		Payload:         req.Payload,
		TargetDirectory: req.TargetDirectory,
		Status:          model.StatusPending,
		MaxRetries:      maxRetries,
		CreatedAt:       now,
		ScheduledAt:     now,
	}
	if req.ScheduledAt != nil {
		job.ScheduledAt = *req.ScheduledAt
	}
	if err := o.store.Jobs().Save(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	o.logger.Info().Str("job_id", job.ID).Str("kind", job.Kind).Time("scheduled_at", job.ScheduledAt).Msg("job enqueued")
	o.emit(Event{Type: EventJobEnqueued, JobID: job.ID, Kind: job.Kind, JobStatus: job.Status})
	o.Wake()
	return job.ID, nil
}

func (o *Orchestrator) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return o.store.Jobs().FindByID(ctx, id)
}

func (o *Orchestrator) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return o.store.Runs().FindByID(ctx, id)
}

func (o *Orchestrator) GetLatestRun(ctx context.Context, jobID string) (*model.Run, error) {
	return o.store.Runs().FindLatestByJobID(ctx, jobID)
}

func (o *Orchestrator) ListJobRuns(ctx context.Context, jobID string) ([]*model.Run, error) {
	if _, err := o.store.Jobs().FindByID(ctx, jobID); err != nil {
		return nil, err
	}
	return o.store.Runs().ListByJobID(ctx, jobID)
}

func (o *Orchestrator) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*model.Job, error) {
	return o.store.Jobs().List(ctx, filter)
}

func (o *Orchestrator) ListPendingJobs(ctx context.Context, kind string) ([]*model.Job, error) {
	return o.store.Jobs().ListPending(ctx, kind)
}

func (o *Orchestrator) ListCompletedJobs(ctx context.Context, kind string) ([]*model.Job, error) {
	return o.store.Jobs().ListCompleted(ctx, kind)
}

func (o *Orchestrator) ListFailedRuns(ctx context.Context) ([]*model.Run, error) {
	return o.store.Runs().ListFailed(ctx)
}

// Stats returns job counts keyed by status.
func (o *Orchestrator) Stats(ctx context.Context) (map[string]int, error) {
	return o.store.Jobs().Stats(ctx)
}

// Retry moves a failed job back to pending with its attempt count reset.
// Its earlier runs are kept.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	if err := o.store.Jobs().Requeue(ctx, id, time.Now()); err != nil {
		return err
	}
	o.logger.Info().Str("job_id", id).Msg("job requeued from dead letter queue")
	o.Wake()
	return nil
}

// CancelJob cancels a job and reports whether anything was cancelled.
//
// A job bound in this process has its process terminated and the outcome is
// persisted before CancelJob returns. A job that is not running is marked
// failed under either policy. A process recorded by another scheduler
// instance is asked to terminate; the job is marked failed first unless the
// policy is retry. Completed jobs are left alone.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) (bool, error) {
	job, err := o.store.Jobs().FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status == model.StatusCompleted {
		return false, nil
	}
	logger := o.logger.With().Str("job_id", id).Logger()

	if o.sup.IsActive(id) {
		o.mu.Lock()
		o.cancelled[id] = true
		done := o.inflight[id]
		o.mu.Unlock()

		if o.sup.Cancel(id) {
			if done != nil {
				select {
				case <-done:
				case <-time.After(o.sup.Grace() + time.Second):
					logger.Warn().Msg("attempt not finalized after cancel")
				case <-ctx.Done():
					return true, ctx.Err()
				}
				// The tool may have finished cleanly before the signal landed.
				if j, err := o.store.Jobs().FindByID(ctx, id); err == nil && j.Status == model.StatusCompleted {
					logger.Info().Msg("job completed before cancel took effect")
					return false, nil
				}
			}
			logger.Info().Str("policy", string(o.opts.CancelPolicy)).Msg("job cancelled")
			o.emit(Event{Type: EventJobCancelled, JobID: id, Kind: job.Kind})
			return true, nil
		}

		// The attempt finished on its own in the meantime.
		o.mu.Lock()
		delete(o.cancelled, id)
		o.mu.Unlock()
		if job, err = o.store.Jobs().FindByID(ctx, id); err != nil {
			return false, err
		}
		if job.Status == model.StatusCompleted {
			return false, nil
		}
	}

	// A live attempt in another scheduler process is signalled; under the
	// retry policy that scheduler records the ordinary failure itself.
	live := false
	if job.Status == model.StatusProcessing {
		latest, err := o.store.Runs().FindLatestByJobID(ctx, id)
		if err != nil && !storage.IsNotFound(err) {
			return false, err
		}
		live = err == nil && latest.State == model.RunRunning
	}

	cancelled := false
	if job.Status != model.StatusFailed && !(live && o.opts.CancelPolicy == CancelRetry) {
		if err := o.store.Jobs().MarkFailed(ctx, id, "cancelled by user"); err != nil {
			return false, err
		}
		cancelled = true
	}

	if live && job.PID > 0 {
		if err := process.Terminate(job.PID); err != nil {
			logger.Warn().Err(err).Int("pid", job.PID).Msg("failed to signal process")
		} else {
			logger.Info().Int("pid", job.PID).Msg("sent termination signal")
			cancelled = true
		}
	}

	if cancelled {
		o.emit(Event{Type: EventJobCancelled, JobID: id, Kind: job.Kind})
	}
	return cancelled, nil
}
