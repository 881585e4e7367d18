// Package worker schedules jobs from the store onto the process supervisor.
//
// One Orchestrator polls per process. Each tick asks the store for the next
// eligible job of every registered kind while that kind has free slots, and
// runs the attempt in its own goroutine so the tick never waits on a tool.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/backoff"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/process"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/storage"
)

// CancelPolicy decides what a user cancellation does to a running job.
type CancelPolicy string

const (
	// CancelTerminal fails the job permanently.
	CancelTerminal CancelPolicy = "terminal"
	// CancelRetry treats the cancellation like any failed attempt.
	CancelRetry CancelPolicy = "retry"
)

func ParseCancelPolicy(s string) (CancelPolicy, error) {
	switch CancelPolicy(s) {
	case CancelTerminal, "":
		return CancelTerminal, nil
	case CancelRetry:
		return CancelRetry, nil
	}
	return "", fmt.Errorf("unknown cancel policy %q (want terminal or retry)", s)
}

var ErrUnknownKind = errors.New("worker: no handler registered for kind")

const (
	DefaultPollInterval     = time.Second
	DefaultProgressInterval = 500 * time.Millisecond
	DefaultMaxRetries       = 3
)

type Options struct {
	PollInterval     time.Duration
	ProgressInterval time.Duration
	// MaxRetries is the attempt ceiling for jobs enqueued without their own.
	MaxRetries   int
	Backoff      backoff.Calculator
	CancelPolicy CancelPolicy
	Events       EventSink
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.CancelPolicy == "" {
		o.CancelPolicy = CancelTerminal
	}
	return o
}

type registration struct {
	handler Handler
	ceiling int
}

type Orchestrator struct {
	store  storage.Backend
	sup    *process.Supervisor
	opts   Options
	logger zerolog.Logger

	handlers map[string]registration
	kinds    []string

	wake chan struct{}

	mu        sync.Mutex
	inflight  map[string]chan struct{}
	cancelled map[string]bool
	stop      context.CancelFunc
	loopDone  chan struct{}
	wg        sync.WaitGroup
}

// New creates an Orchestrator. Process ids reported by the supervisor are
// written to the job record.
func New(store storage.Backend, sup *process.Supervisor, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		sup:       sup,
		opts:      opts.withDefaults(),
		logger:    log.With().Str("component", "orchestrator").Logger(),
		handlers:  make(map[string]registration),
		wake:      make(chan struct{}, 1),
		inflight:  make(map[string]chan struct{}),
		cancelled: make(map[string]bool),
	}
	sup.OnSpawn = func(jobID string, pid int) {
		if err := store.Jobs().SetPID(context.Background(), jobID, pid); err != nil {
			o.logger.Warn().Err(err).Str("job_id", jobID).Int("pid", pid).Msg("failed to record pid")
		}
	}
	return o
}

// Register routes jobs of kind to h with at most ceiling concurrent attempts.
func (o *Orchestrator) Register(kind string, ceiling int, h Handler) {
	if ceiling < 1 {
		ceiling = 1
	}
	if _, ok := o.handlers[kind]; !ok {
		o.kinds = append(o.kinds, kind)
		sort.Strings(o.kinds)
	}
	o.handlers[kind] = registration{handler: h, ceiling: ceiling}
}

// Kinds returns the registered job kinds.
func (o *Orchestrator) Kinds() []string {
	return append([]string(nil), o.kinds...)
}

// Start sweeps orphaned runs and then starts the poll loop. It returns once
// the loop is running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.stop != nil {
		o.mu.Unlock()
		return errors.New("worker: orchestrator already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.stop = cancel
	o.loopDone = make(chan struct{})
	o.mu.Unlock()

	if n, err := o.RecoverOrphans(ctx); err != nil {
		o.logger.Error().Err(err).Msg("orphan recovery failed")
	} else if n > 0 {
		o.logger.Warn().Int("runs", n).Msg("recovered orphaned runs")
	}

	o.logger.Info().
		Strs("kinds", o.kinds).
		Dur("poll_interval", o.opts.PollInterval).
		Str("cancel_policy", string(o.opts.CancelPolicy)).
		Msg("scheduler started")

	go o.run(loopCtx)
	return nil
}

// run is the poll loop.
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.loopDone)

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	o.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		case <-o.wake:
			o.tick(ctx)
		}
	}
}

// Wake asks the loop for an early tick.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops polling, cancels every live attempt and waits until their
// outcomes are persisted or ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	stop, loopDone := o.stop, o.loopDone
	o.mu.Unlock()
	if stop == nil {
		return nil
	}

	stop()
	<-loopDone

	o.logger.Info().Int("active", o.sup.Active("")).Msg("stopping scheduler")
	o.sup.CancelAll()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// tick dispatches while each kind has capacity. A failure for one kind is
// logged and does not stop the others.
func (o *Orchestrator) tick(ctx context.Context) {
	for _, kind := range o.kinds {
		reg := o.handlers[kind]
		for o.sup.Active(kind) < reg.ceiling {
			if ctx.Err() != nil {
				return
			}
			started, err := o.dispatch(ctx, kind, reg.handler)
			if err != nil {
				o.logger.Error().Err(err).Str("kind", kind).Msg("dispatch failed")
				break
			}
			if !started {
				break
			}
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, kind string, h Handler) (bool, error) {
	now := time.Now()
	job, err := o.store.Jobs().FindNextEligible(ctx, kind, now)
	if err != nil {
		return false, fmt.Errorf("find next eligible: %w", err)
	}
	if job == nil {
		return false, nil
	}

	b, err := o.sup.Bind(context.Background(), job.ID, kind)
	if err != nil {
		return false, fmt.Errorf("bind job %s: %w", job.ID, err)
	}

	run := &model.Run{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Attempt:   job.Attempts + 1,
		State:     model.RunRunning,
		StartedAt: now,
	}
	if err := o.store.Runs().Save(ctx, run); err != nil {
		o.sup.Release(b)
		return false, fmt.Errorf("save run for job %s: %w", job.ID, err)
	}
	if err := o.store.Jobs().MarkProcessing(ctx, job.ID); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to mark job processing")
	}
	job.Status = model.StatusProcessing

	done := make(chan struct{})
	o.mu.Lock()
	o.inflight[job.ID] = done
	o.mu.Unlock()

	o.logger.Info().
		Str("job_id", job.ID).
		Str("run_id", run.ID).
		Str("kind", kind).
		Int("attempt", run.Attempt).
		Msg("starting attempt")
	o.emit(Event{Type: EventRunStarted, JobID: job.ID, Kind: kind, RunID: run.ID, Attempt: run.Attempt, RunState: model.RunRunning})

	o.wg.Add(1)
	go o.execute(b, job, run, h, done)
	return true, nil
}

func (o *Orchestrator) execute(b *process.Binding, job *model.Job, run *model.Run, h Handler, done chan struct{}) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, job.ID)
		delete(o.cancelled, job.ID)
		o.mu.Unlock()
		close(done)
	}()
	defer o.sup.Release(b)

	// Outcomes are persisted even when the attempt itself was cancelled.
	ctx := context.WithoutCancel(b.Context())

	progress := newThrottle(o.opts.ProgressInterval, func(percent float64, summary string) {
		if err := o.store.Jobs().UpdateProgress(ctx, job.ID, percent, summary); err != nil {
			o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to write progress")
		}
		o.emit(Event{Type: EventProgress, JobID: job.ID, Kind: job.Kind, RunID: run.ID, Attempt: run.Attempt, Percent: percent, Summary: summary})
	})

	result := o.invoke(b.Context(), h, job, progress.call)
	progress.flush()
	o.finish(ctx, job, run, result)
}

func (o *Orchestrator) invoke(ctx context.Context, h Handler, job *model.Job, progress process.ProgressFunc) (res process.Result) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Str("job_id", job.ID).Interface("panic", r).Msg("handler panicked")
			res = process.Result{ExitCode: -1, Code: model.CodePanic, Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return h.Handle(ctx, job, progress)
}

// finish records the outcome of an attempt: the job first, then the run.
func (o *Orchestrator) finish(ctx context.Context, job *model.Job, run *model.Run, result process.Result) {
	logger := o.logger.With().Str("job_id", job.ID).Str("run_id", run.ID).Int("attempt", run.Attempt).Logger()
	now := time.Now()

	attempts, err := o.store.Jobs().IncrementAttempts(ctx, job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to increment attempts")
		attempts = run.Attempt
	}

	status := model.StatusCompleted
	if result.Success {
		if err := o.store.Jobs().MarkCompleted(ctx, job.ID, now); err != nil {
			logger.Error().Err(err).Msg("failed to mark job completed")
		}
		run.State = model.RunSuccess
		if data, err := json.Marshal(result); err == nil {
			run.Result = data
		}
		logger.Info().Msg("attempt succeeded")
	} else {
		code := result.Code
		if code == "" {
			code = model.CodeExit
		}
		message := result.Message
		if message == "" {
			message = fmt.Sprintf("exit code %d", result.ExitCode)
		}
		status = o.fail(ctx, job, attempts, o.takeCancelled(job.ID), message)
		run.State = model.RunFailed
		run.ErrorCode = code
		run.ErrorMessage = message
		logger.Warn().Str("code", code).Int("exit_code", result.ExitCode).Str("status", string(status)).Msg(message)
	}

	run.EndedAt = &now
	if err := o.store.Runs().Save(ctx, run); err != nil {
		logger.Error().Err(err).Msg("failed to save run")
	}
	o.emit(Event{
		Type:      EventRunFinished,
		JobID:     job.ID,
		Kind:      job.Kind,
		RunID:     run.ID,
		Attempt:   run.Attempt,
		RunState:  run.State,
		JobStatus: status,
		Error:     run.ErrorMessage,
	})
}

// fail applies the retry policy after a failed attempt and returns the
// resulting job status.
func (o *Orchestrator) fail(ctx context.Context, job *model.Job, attempts int, userCancelled bool, message string) model.JobStatus {
	logger := o.logger.With().Str("job_id", job.ID).Logger()

	if userCancelled && o.opts.CancelPolicy == CancelTerminal {
		if err := o.store.Jobs().MarkFailed(ctx, job.ID, message); err != nil {
			logger.Error().Err(err).Msg("failed to mark job failed")
		}
		return model.StatusFailed
	}

	// A cancel from another process marks the job failed in the store
	// directly; it must not be brought back by the retry below.
	if current, err := o.store.Jobs().FindByID(ctx, job.ID); err == nil && current.Status == model.StatusFailed {
		return model.StatusFailed
	}

	limit := job.MaxRetries
	if limit <= 0 {
		limit = o.opts.MaxRetries
	}
	if attempts < limit {
		next := o.opts.Backoff.Calculate(attempts, time.Now())
		if err := o.store.Jobs().Reschedule(ctx, job.ID, attempts, next, message); err != nil {
			logger.Error().Err(err).Msg("failed to reschedule job")
		}
		logger.Info().Int("attempts", attempts).Time("next_run_at", next).Msg("job will retry")
		return model.StatusRetrying
	}

	if err := o.store.Jobs().MarkFailed(ctx, job.ID, message); err != nil {
		logger.Error().Err(err).Msg("failed to mark job failed")
	}
	logger.Warn().Int("attempts", attempts).Msg("job moved to dead letter queue")
	return model.StatusFailed
}

func (o *Orchestrator) takeCancelled(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := o.cancelled[jobID]
	delete(o.cancelled, jobID)
	return c
}
