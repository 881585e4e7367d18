package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/storage"
)

const orphanedMessage = "orphaned run, no active process"

// RecoverOrphans fails every running run that has no live binding in this
// process and applies the usual retry policy to its job. It returns the
// number of runs resolved. A second call on the same state resolves nothing.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) (int, error) {
	running, err := o.store.Runs().ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running runs: %w", err)
	}

	recovered := 0
	for _, run := range running {
		if o.sup.IsActive(run.JobID) {
			continue
		}
		logger := o.logger.With().Str("job_id", run.JobID).Str("run_id", run.ID).Logger()

		job, err := o.store.Jobs().FindByID(ctx, run.JobID)
		switch {
		case storage.IsNotFound(err):
			logger.Warn().Msg("running run without job")
		case err != nil:
			logger.Error().Err(err).Msg("failed to load job of orphaned run")
			continue
		default:
			attempts, err := o.store.Jobs().IncrementAttempts(ctx, job.ID)
			if err != nil {
				logger.Error().Err(err).Msg("failed to increment attempts")
				continue
			}
			o.fail(ctx, job, attempts, false, orphanedMessage)
		}

		now := time.Now()
		run.State = model.RunFailed
		run.EndedAt = &now
		run.ErrorCode = model.CodeOrphaned
		run.ErrorMessage = orphanedMessage
		if err := o.store.Runs().Save(ctx, run); err != nil {
			logger.Error().Err(err).Msg("failed to save orphaned run")
			continue
		}
		logger.Warn().Int("attempt", run.Attempt).Msg(orphanedMessage)
		o.emit(Event{
			Type:     EventRunFinished,
			JobID:    run.JobID,
			RunID:    run.ID,
			Attempt:  run.Attempt,
			RunState: model.RunFailed,
			Error:    orphanedMessage,
		})
		recovered++
	}
	return recovered, nil
}
