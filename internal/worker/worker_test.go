package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/backoff"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/process"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/storage"
)

const waitFor = 5 * time.Second

func testOptions() Options {
	return Options{
		PollInterval:     10 * time.Millisecond,
		ProgressInterval: 500 * time.Millisecond,
		MaxRetries:       3,
		Backoff:          backoff.Calculator{BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond},
	}
}

func newTestOrchestrator(t *testing.T, store storage.Backend, opts Options) (*Orchestrator, *process.Supervisor) {
	t.Helper()
	sup := process.NewSupervisor(200 * time.Millisecond)
	o := New(store, sup, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, sup
}

func enqueue(t *testing.T, o *Orchestrator, kind string) string {
	t.Helper()
	id, err := o.Enqueue(context.Background(), EnqueueRequest{
		Kind:            kind,
		Payload:         json.RawMessage(`{"source":"https://example.com/mod.zip"}`),
		TargetDirectory: t.TempDir(),
	})
	require.NoError(t, err)
	return id
}

func waitForStatus(t *testing.T, o *Orchestrator, id string, status model.JobStatus) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		j, err := o.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, waitFor, 5*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

func runningRuns(t *testing.T, store storage.Backend, jobID string) int {
	runs, err := store.Runs().ListByJobID(context.Background(), jobID)
	assert.NoError(t, err)
	n := 0
	for _, r := range runs {
		if r.State == model.RunRunning {
			n++
		}
	}
	return n
}

func failure(msg string) process.Result {
	return process.Result{ExitCode: 4, Code: model.CodeExit, Message: msg}
}

func TestOrchestrator_RetryThenSucceed(t *testing.T) {
	store := storage.NewMemoryStore()
	o, _ := newTestOrchestrator(t, store, testOptions())

	var (
		calls      atomic.Int32
		violations atomic.Int32
	)
	o.Register(model.KindDownload, 3, HandlerFunc(func(ctx context.Context, job *model.Job, progress process.ProgressFunc) process.Result {
		if runningRuns(t, store, job.ID) != 1 {
			violations.Add(1)
		}
		if calls.Add(1) <= 2 {
			return failure("wget exited with code 4: Network failure.")
		}
		return process.Result{Success: true}
	}))

	id := enqueue(t, o, model.KindDownload)
	require.NoError(t, o.Start(context.Background()))

	job := waitForStatus(t, o, id, model.StatusCompleted)
	assert.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.CompletedAt)
	assert.Zero(t, violations.Load())

	runs, err := o.ListJobRuns(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, want := range []model.RunState{model.RunFailed, model.RunFailed, model.RunSuccess} {
		assert.Equal(t, want, runs[i].State)
		assert.Equal(t, i+1, runs[i].Attempt)
		assert.NotNil(t, runs[i].EndedAt)
	}
	assert.Equal(t, "wget exited with code 4: Network failure.", runs[0].ErrorMessage)
	assert.Equal(t, model.CodeExit, runs[0].ErrorCode)

	latest, err := o.GetLatestRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, runs[2].ID, latest.ID)
}

func TestOrchestrator_ExceedingMaxRetries(t *testing.T) {
	store := storage.NewMemoryStore()
	o, _ := newTestOrchestrator(t, store, testOptions())

	var calls atomic.Int32
	o.Register(model.KindExtract, 1, HandlerFunc(func(ctx context.Context, job *model.Job, progress process.ProgressFunc) process.Result {
		calls.Add(1)
		return failure("7z exited with code 2: Fatal error.")
	}))

	id := enqueue(t, o, model.KindExtract)
	require.NoError(t, o.Start(context.Background()))

	job := waitForStatus(t, o, id, model.StatusFailed)
	assert.Equal(t, 3, job.Attempts)
	assert.Nil(t, job.CompletedAt)
	assert.Equal(t, "7z exited with code 2: Fatal error.", job.LastError)

	// Several more ticks must not start a fourth attempt.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	runs, err := o.ListJobRuns(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, r := range runs {
		assert.Equal(t, model.RunFailed, r.State)
	}

	next, err := store.Jobs().FindNextEligible(context.Background(), model.KindExtract, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, next)

	failed, err := o.ListFailedRuns(context.Background())
	require.NoError(t, err)
	assert.Len(t, failed, 3)
}

func TestOrchestrator_ConcurrencyCeiling(t *testing.T) {
	store := storage.NewMemoryStore()
	o, sup := newTestOrchestrator(t, store, testOptions())

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		order   []string
	)
	release := make(chan struct{})
	o.Register(model.KindDownload, 1, HandlerFunc(func(ctx context.Context, job *model.Job, progress process.ProgressFunc) process.Result {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		order = append(order, job.ID)
		mu.Unlock()

		<-release

		mu.Lock()
		active--
		mu.Unlock()
		return process.Result{Success: true}
	}))

	first := enqueue(t, o, model.KindDownload)
	second := enqueue(t, o, model.KindDownload)
	require.NoError(t, o.Start(context.Background()))

	require.Eventually(t, func() bool { return sup.IsActive(first) }, waitFor, 5*time.Millisecond)

	// Give the loop a few ticks to prove it does not start the second job.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, sup.IsActive(second))
	assert.Equal(t, 1, sup.Active(model.KindDownload))

	release <- struct{}{}
	waitForStatus(t, o, first, model.StatusCompleted)
	release <- struct{}{}
	waitForStatus(t, o, second, model.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, []string{first, second}, order)
}

type countingBackend struct {
	storage.Backend
	progressWrites *atomic.Int32
}

func (c countingBackend) Jobs() storage.JobStore {
	return countingJobs{JobStore: c.Backend.Jobs(), n: c.progressWrites}
}

type countingJobs struct {
	storage.JobStore
	n *atomic.Int32
}

func (c countingJobs) UpdateProgress(ctx context.Context, id string, percent float64, summary string) error {
	c.n.Add(1)
	return c.JobStore.UpdateProgress(ctx, id, percent, summary)
}

func TestOrchestrator_ProgressThrottling(t *testing.T) {
	writes := &atomic.Int32{}
	store := countingBackend{Backend: storage.NewMemoryStore(), progressWrites: writes}
	opts := testOptions()
	o, _ := newTestOrchestrator(t, store, opts)

	var elapsed time.Duration
	o.Register(model.KindDownload, 1, HandlerFunc(func(ctx context.Context, job *model.Job, progress process.ProgressFunc) process.Result {
		start := time.Now()
		for i := 1; i <= 100; i++ {
			progress(float64(i), "downloading")
			time.Sleep(500 * time.Microsecond)
		}
		elapsed = time.Since(start)
		return process.Result{Success: true}
	}))

	id := enqueue(t, o, model.KindDownload)
	require.NoError(t, o.Start(context.Background()))
	waitForStatus(t, o, id, model.StatusCompleted)

	// One write per interval plus the final flush.
	limit := int32(elapsed/opts.ProgressInterval) + 2
	assert.LessOrEqual(t, writes.Load(), limit)
	assert.GreaterOrEqual(t, writes.Load(), int32(1))
}

func TestOrchestrator_FinalProgressIsPersisted(t *testing.T) {
	opts := testOptions()
	opts.MaxRetries = 1
	o, _ := newTestOrchestrator(t, storage.NewMemoryStore(), opts)

	o.Register(model.KindDownload, 1, HandlerFunc(func(ctx context.Context, job *model.Job, progress process.ProgressFunc) process.Result {
		progress(10, "10% of 2.0M")
		progress(55, "55% of 2.0M")
		progress(80, "80% of 2.0M")
		return failure("wget exited with code 4: Network failure.")
	}))

	id := enqueue(t, o, model.KindDownload)
	require.NoError(t, o.Start(context.Background()))

	job := waitForStatus(t, o, id, model.StatusFailed)
	assert.Equal(t, 80.0, job.ProgressPercent)
	assert.Equal(t, "80% of 2.0M", job.ProgressSummary)
}

func TestThrottle(t *testing.T) {
	var calls []float64
	th := newThrottle(50*time.Millisecond, func(p float64, s string) { calls = append(calls, p) })

	for i := 0; i < 100; i++ {
		th.call(float64(i), "")
	}
	assert.Equal(t, []float64{0}, calls)

	time.Sleep(60 * time.Millisecond)
	th.call(150, "")
	assert.Equal(t, []float64{0, 100}, calls)
}

func TestThrottle_FlushDeliversLastDropped(t *testing.T) {
	type report struct {
		percent float64
		summary string
	}
	var calls []report
	th := newThrottle(time.Hour, func(p float64, s string) { calls = append(calls, report{p, s}) })

	th.flush()
	assert.Empty(t, calls)

	th.call(0, "starting")
	th.call(40, "40%")
	th.call(100, "done")
	assert.Equal(t, []report{{0, "starting"}}, calls)

	th.flush()
	assert.Equal(t, []report{{0, "starting"}, {100, "done"}}, calls)

	th.flush()
	assert.Len(t, calls, 2, "a flushed value is delivered once")
}

// blockingHandler waits for cancellation on its first attempt and succeeds
// on later ones.
func blockingHandler(calls *atomic.Int32) Handler {
	return HandlerFunc(func(ctx context.Context, job *model.Job, progress process.ProgressFunc) process.Result {
		if calls.Add(1) > 1 {
			return process.Result{Success: true}
		}
		<-ctx.Done()
		return process.Result{ExitCode: -1, Code: model.CodeCancelled, Message: "wget: cancelled"}
	})
}

func TestOrchestrator_CancelTerminal(t *testing.T) {
	store := storage.NewMemoryStore()
	opts := testOptions()
	opts.CancelPolicy = CancelTerminal
	o, sup := newTestOrchestrator(t, store, opts)

	var calls atomic.Int32
	o.Register(model.KindDownload, 1, blockingHandler(&calls))

	id := enqueue(t, o, model.KindDownload)
	require.NoError(t, o.Start(context.Background()))
	require.Eventually(t, func() bool { return sup.IsActive(id) }, waitFor, 5*time.Millisecond)

	start := time.Now()
	ok, err := o.CancelJob(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), sup.Grace()+time.Second)
	assert.False(t, sup.IsActive(id))

	job, err := o.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)

	latest, err := o.GetLatestRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, latest.State)
	assert.Equal(t, model.CodeCancelled, latest.ErrorCode)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOrchestrator_CancelRetry(t *testing.T) {
	store := storage.NewMemoryStore()
	opts := testOptions()
	opts.CancelPolicy = CancelRetry
	o, sup := newTestOrchestrator(t, store, opts)

	var calls atomic.Int32
	o.Register(model.KindDownload, 1, blockingHandler(&calls))

	id := enqueue(t, o, model.KindDownload)
	require.NoError(t, o.Start(context.Background()))
	require.Eventually(t, func() bool { return sup.IsActive(id) }, waitFor, 5*time.Millisecond)

	ok, err := o.CancelJob(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	job := waitForStatus(t, o, id, model.StatusCompleted)
	assert.Equal(t, 2, job.Attempts)

	runs, err := o.ListJobRuns(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, model.CodeCancelled, runs[0].ErrorCode)
	assert.Equal(t, model.RunSuccess, runs[1].State)
}

func TestOrchestrator_CancelNotRunning(t *testing.T) {
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	t.Run("terminal", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, storage.NewMemoryStore(), testOptions())
		o.Register(model.KindDownload, 1, HandlerFunc(nil))
		id, err := o.Enqueue(ctx, EnqueueRequest{Kind: model.KindDownload, ScheduledAt: &future})
		require.NoError(t, err)

		ok, err := o.CancelJob(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
		job, err := o.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, job.Status)
		assert.Equal(t, "cancelled by user", job.LastError)
	})

	t.Run("retry", func(t *testing.T) {
		opts := testOptions()
		opts.CancelPolicy = CancelRetry
		store := storage.NewMemoryStore()
		o, _ := newTestOrchestrator(t, store, opts)
		o.Register(model.KindDownload, 1, HandlerFunc(nil))

		pending, err := o.Enqueue(ctx, EnqueueRequest{Kind: model.KindDownload, ScheduledAt: &future})
		require.NoError(t, err)
		retrying, err := o.Enqueue(ctx, EnqueueRequest{Kind: model.KindDownload, ScheduledAt: &future})
		require.NoError(t, err)
		require.NoError(t, store.Jobs().Reschedule(ctx, retrying, 1, future, "exit status 4"))

		for _, id := range []string{pending, retrying} {
			ok, err := o.CancelJob(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok, id)
			job, err := o.GetJob(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, model.StatusFailed, job.Status, id)
			assert.Equal(t, "cancelled by user", job.LastError, id)
		}
	})

	t.Run("completed", func(t *testing.T) {
		store := storage.NewMemoryStore()
		o, _ := newTestOrchestrator(t, store, testOptions())
		o.Register(model.KindDownload, 1, HandlerFunc(nil))
		id, err := o.Enqueue(ctx, EnqueueRequest{Kind: model.KindDownload})
		require.NoError(t, err)
		require.NoError(t, store.Jobs().MarkCompleted(ctx, id, time.Now()))

		ok, err := o.CancelJob(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, storage.NewMemoryStore(), testOptions())
		_, err := o.CancelJob(ctx, "missing")
		assert.True(t, storage.IsNotFound(err))
	})
}

func seedOrphan(t *testing.T, store storage.Backend, jobID string, attempts, maxRetries int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Jobs().Save(ctx, &model.Job{
		ID:          jobID,
		Kind:        model.KindDownload,
		Status:      model.StatusProcessing,
		Attempts:    attempts,
		MaxRetries:  maxRetries,
		PID:         99999,
		ScheduledAt: now.Add(-time.Minute),
	}))
	require.NoError(t, store.Runs().Save(ctx, &model.Run{
		ID:        jobID + "-run",
		JobID:     jobID,
		Attempt:   attempts + 1,
		State:     model.RunRunning,
		StartedAt: now.Add(-time.Minute),
	}))
}

func TestOrchestrator_RecoverOrphans(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o, _ := newTestOrchestrator(t, store, testOptions())
	o.Register(model.KindDownload, 1, HandlerFunc(nil))

	seedOrphan(t, store, "retryable", 0, 3)
	seedOrphan(t, store, "exhausted", 2, 3)

	n, err := o.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	retryable, err := o.GetJob(ctx, "retryable")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetrying, retryable.Status)
	assert.Equal(t, 1, retryable.Attempts)
	assert.Equal(t, orphanedMessage, retryable.LastError)
	assert.Zero(t, retryable.PID)

	exhausted, err := o.GetJob(ctx, "exhausted")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, exhausted.Status)
	assert.Equal(t, 3, exhausted.Attempts)

	run, err := o.GetRun(ctx, "retryable-run")
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, run.State)
	assert.Equal(t, model.CodeOrphaned, run.ErrorCode)
	assert.Equal(t, orphanedMessage, run.ErrorMessage)
}

func TestOrchestrator_RecoverOrphansIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o, _ := newTestOrchestrator(t, store, testOptions())
	seedOrphan(t, store, "job", 1, 3)

	_, err := o.RecoverOrphans(ctx)
	require.NoError(t, err)
	jobsOnce, runsOnce := snapshot(t, store)

	n, err := o.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	jobsTwice, runsTwice := snapshot(t, store)

	assert.Equal(t, jobsOnce, jobsTwice)
	assert.Equal(t, runsOnce, runsTwice)
}

func TestOrchestrator_RecoverSkipsBoundJobs(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o, sup := newTestOrchestrator(t, store, testOptions())
	seedOrphan(t, store, "live", 0, 3)

	b, err := sup.Bind(ctx, "live", model.KindDownload)
	require.NoError(t, err)
	defer sup.Release(b)

	n, err := o.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, runningRuns(t, store, "live"))
}

type jobState struct {
	Status   model.JobStatus
	Attempts int
	Sched    time.Time
	LastErr  string
}

func snapshot(t *testing.T, store storage.Backend) (map[string]jobState, []*model.Run) {
	t.Helper()
	ctx := context.Background()
	jobs, err := store.Jobs().List(ctx, storage.JobFilter{})
	require.NoError(t, err)
	out := make(map[string]jobState)
	for _, j := range jobs {
		out[j.ID] = jobState{Status: j.Status, Attempts: j.Attempts, Sched: j.ScheduledAt, LastErr: j.LastError}
	}
	runs, err := store.Runs().ListFailed(ctx)
	require.NoError(t, err)
	return out, runs
}

func TestOrchestrator_HandlerPanicIsAFailedAttempt(t *testing.T) {
	store := storage.NewMemoryStore()
	o, _ := newTestOrchestrator(t, store, testOptions())

	var calls atomic.Int32
	o.Register(model.KindDownload, 1, HandlerFunc(func(ctx context.Context, job *model.Job, progress process.ProgressFunc) process.Result {
		if calls.Add(1) == 1 {
			panic("nil archive")
		}
		return process.Result{Success: true}
	}))

	id := enqueue(t, o, model.KindDownload)
	require.NoError(t, o.Start(context.Background()))
	waitForStatus(t, o, id, model.StatusCompleted)

	runs, err := o.ListJobRuns(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, model.CodePanic, runs[0].ErrorCode)
	assert.Contains(t, runs[0].ErrorMessage, "nil archive")
}

func TestOrchestrator_ShutdownCancelsActiveAttempts(t *testing.T) {
	store := storage.NewMemoryStore()
	o, sup := newTestOrchestrator(t, store, testOptions())

	var calls atomic.Int32
	o.Register(model.KindDownload, 2, blockingHandler(&calls))

	id := enqueue(t, o, model.KindDownload)
	require.NoError(t, o.Start(context.Background()))
	require.Eventually(t, func() bool { return sup.IsActive(id) }, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
	assert.Zero(t, sup.Active(""))

	job, err := o.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetrying, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Zero(t, runningRuns(t, store, id))
}

func TestOrchestrator_Events(t *testing.T) {
	var (
		mu     sync.Mutex
		events []EventType
	)
	opts := testOptions()
	opts.Events = EventSinkFunc(func(e Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})
	o, _ := newTestOrchestrator(t, storage.NewMemoryStore(), opts)
	o.Register(model.KindExtract, 1, HandlerFunc(func(ctx context.Context, job *model.Job, progress process.ProgressFunc) process.Result {
		progress(50, "half")
		return process.Result{Success: true}
	}))

	id := enqueue(t, o, model.KindExtract)
	require.NoError(t, o.Start(context.Background()))
	waitForStatus(t, o, id, model.StatusCompleted)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, waitFor, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventJobEnqueued, EventRunStarted, EventProgress, EventRunFinished}, events)
}

func TestOrchestrator_Enqueue(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, storage.NewMemoryStore(), testOptions())
	o.Register(model.KindDownload, 1, HandlerFunc(nil))

	_, err := o.Enqueue(ctx, EnqueueRequest{Kind: "upload"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = o.Enqueue(ctx, EnqueueRequest{Kind: model.KindDownload, Payload: json.RawMessage(`{nope`)})
	var invalid *storage.InvalidInputError
	require.ErrorAs(t, err, &invalid)

	id, err := o.Enqueue(ctx, EnqueueRequest{ID: "fixed", Kind: model.KindDownload, MaxRetries: 7})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)

	_, err = o.Enqueue(ctx, EnqueueRequest{ID: "fixed", Kind: model.KindDownload})
	require.ErrorAs(t, err, &invalid)

	job, err := o.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 7, job.MaxRetries)
	assert.Equal(t, model.StatusPending, job.Status)

	pending, err := o.ListPendingJobs(ctx, model.KindDownload)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	completed, err := o.ListCompletedJobs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, completed)
}

func TestOrchestrator_RetryFromDeadLetterQueue(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o, _ := newTestOrchestrator(t, store, testOptions())

	var fail atomic.Bool
	fail.Store(true)
	o.Register(model.KindDownload, 1, HandlerFunc(func(ctx context.Context, job *model.Job, progress process.ProgressFunc) process.Result {
		if fail.Load() {
			return failure("boom")
		}
		return process.Result{Success: true}
	}))

	id := enqueue(t, o, model.KindDownload)
	require.NoError(t, o.Start(ctx))
	waitForStatus(t, o, id, model.StatusFailed)

	fail.Store(false)
	require.NoError(t, o.Retry(ctx, id))
	job := waitForStatus(t, o, id, model.StatusCompleted)
	assert.Equal(t, 1, job.Attempts)

	runs, err := o.ListJobRuns(ctx, id)
	require.NoError(t, err)
	assert.Len(t, runs, 4)
}

type fakeAdapter struct {
	spec process.Spec
}

func (f *fakeAdapter) Start(ctx context.Context, spec process.Spec, onProgress process.ProgressFunc) process.Result {
	f.spec = spec
	onProgress(10, "started")
	return process.Result{Success: true}
}

func TestAdapterHandler(t *testing.T) {
	adapter := &fakeAdapter{}
	h := AdapterHandler{Adapter: adapter, Executable: "/usr/bin/wget"}

	var got float64
	res := h.Handle(context.Background(), &model.Job{
		ID:              "j",
		Payload:         json.RawMessage(`{"source":"https://example.com/mod.zip"}`),
		TargetDirectory: "/data",
	}, func(p float64, s string) { got = p })

	assert.True(t, res.Success)
	assert.Equal(t, process.Spec{
		JobID:           "j",
		Source:          "https://example.com/mod.zip",
		TargetDirectory: "/data",
		Executable:      "/usr/bin/wget",
	}, adapter.spec)
	assert.InDelta(t, 10, got, 0.001)

	res = h.Handle(context.Background(), &model.Job{ID: "j", Payload: json.RawMessage(`[]`)}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.CodeBadInput, res.Code)
}

func TestParseCancelPolicy(t *testing.T) {
	p, err := ParseCancelPolicy("")
	require.NoError(t, err)
	assert.Equal(t, CancelTerminal, p)

	p, err = ParseCancelPolicy("retry")
	require.NoError(t, err)
	assert.Equal(t, CancelRetry, p)

	_, err = ParseCancelPolicy("sometimes")
	assert.Error(t, err)
}
