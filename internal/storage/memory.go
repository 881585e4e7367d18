package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
)

// MemoryStore is the in-memory reference Backend. It keeps the same
// ordering and eligibility rules as the SQLite store and is used by tests
// and by ephemeral `worker start --in-memory` runs.
type MemoryStore struct {
	mu     sync.RWMutex
	seq    int64
	jobs   map[string]*memJob
	runs   map[string]*memRun
	closed bool
}

type memJob struct {
	job model.Job
	seq int64
}

type memRun struct {
	run model.Run
	seq int64
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memJob),
		runs: make(map[string]*memRun),
	}
}

func (m *MemoryStore) Jobs() JobStore { return (*memJobs)(m) }
func (m *MemoryStore) Runs() RunStore { return (*memRuns)(m) }

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memJobs MemoryStore

func (s *memJobs) Save(ctx context.Context, job *model.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	stampJob(job, time.Now())
	if e, ok := s.jobs[job.ID]; ok {
		e.job = cloneJob(job)
		return nil
	}
	s.seq++
	s.jobs[job.ID] = &memJob{job: cloneJob(job), seq: s.seq}
	return nil
}

func (s *memJobs) FindByID(ctx context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, NewNotFoundError("job", id)
	}
	j := cloneJob(&e.job)
	return &j, nil
}

func (s *memJobs) FindNextEligible(ctx context.Context, kind string, now time.Time) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	running := make(map[string]bool)
	for _, r := range s.runs {
		if r.run.State == model.RunRunning {
			running[r.run.JobID] = true
		}
	}

	var best *memJob
	for _, e := range s.jobs {
		j := &e.job
		if j.Kind != kind || j.CompletedAt != nil || j.Status.IsTerminal() {
			continue
		}
		if j.ScheduledAt.After(now) || running[j.ID] {
			continue
		}
		if best == nil ||
			j.ScheduledAt.Before(best.job.ScheduledAt) ||
			(j.ScheduledAt.Equal(best.job.ScheduledAt) && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	j := cloneJob(&best.job)
	return &j, nil
}

// update applies fn to the stored job under the write lock.
func (s *memJobs) update(id string, fn func(j *model.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e, ok := s.jobs[id]
	if !ok {
		return NewNotFoundError("job", id)
	}
	fn(&e.job)
	e.job.UpdatedAt = time.Now()
	return nil
}

func (s *memJobs) MarkProcessing(ctx context.Context, id string) error {
	return s.update(id, func(j *model.Job) {
		j.Status = model.StatusProcessing
	})
}

func (s *memJobs) UpdateProgress(ctx context.Context, id string, percent float64, summary string) error {
	return s.update(id, func(j *model.Job) {
		j.ProgressPercent = percent
		j.ProgressSummary = summary
	})
}

func (s *memJobs) SetPID(ctx context.Context, id string, pid int) error {
	return s.update(id, func(j *model.Job) {
		j.PID = pid
	})
}

func (s *memJobs) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var n int
	err := s.update(id, func(j *model.Job) {
		j.Attempts++
		n = j.Attempts
	})
	return n, err
}

func (s *memJobs) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(j *model.Job) {
		j.Status = model.StatusCompleted
		j.CompletedAt = &at
		j.ProgressPercent = 100
		j.PID = 0
		j.LastError = ""
	})
}

func (s *memJobs) MarkFailed(ctx context.Context, id string, lastError string) error {
	return s.update(id, func(j *model.Job) {
		j.Status = model.StatusFailed
		j.PID = 0
		j.LastError = lastError
	})
}

func (s *memJobs) Reschedule(ctx context.Context, id string, attempts int, scheduledAt time.Time, lastError string) error {
	return s.update(id, func(j *model.Job) {
		j.Status = model.StatusRetrying
		j.Attempts = attempts
		j.ScheduledAt = scheduledAt
		j.PID = 0
		j.LastError = lastError
	})
}

func (s *memJobs) Requeue(ctx context.Context, id string, at time.Time) error {
	var invalid error
	err := s.update(id, func(j *model.Job) {
		if j.Status != model.StatusFailed {
			invalid = NewInvalidInputError("status", "job '"+id+"' is not in the failed state")
			return
		}
		j.Status = model.StatusPending
		j.Attempts = 0
		j.ScheduledAt = at
		j.LastError = ""
		j.ProgressPercent = 0
		j.ProgressSummary = ""
	})
	if err != nil {
		return err
	}
	return invalid
}

func (s *memJobs) List(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	return s.collect(func(j *model.Job) bool {
		if filter.Kind != "" && j.Kind != filter.Kind {
			return false
		}
		return filter.Status == "" || j.Status == filter.Status
	}), nil
}

func (s *memJobs) ListPending(ctx context.Context, kind string) ([]*model.Job, error) {
	return s.collect(func(j *model.Job) bool {
		return (kind == "" || j.Kind == kind) && !j.Status.IsTerminal() && j.CompletedAt == nil
	}), nil
}

func (s *memJobs) ListCompleted(ctx context.Context, kind string) ([]*model.Job, error) {
	return s.collect(func(j *model.Job) bool {
		return (kind == "" || j.Kind == kind) && j.CompletedAt != nil
	}), nil
}

func (s *memJobs) Stats(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[string]int)
	for _, e := range s.jobs {
		stats[string(e.job.Status)]++
	}
	return stats, nil
}

func (s *memJobs) collect(match func(j *model.Job) bool) []*model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*memJob, 0, len(s.jobs))
	for _, e := range s.jobs {
		if match(&e.job) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].seq < entries[k].seq })

	out := make([]*model.Job, 0, len(entries))
	for _, e := range entries {
		j := cloneJob(&e.job)
		out = append(out, &j)
	}
	return out
}

type memRuns MemoryStore

func (s *memRuns) Save(ctx context.Context, run *model.Run) error {
	if err := validateRun(run); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e, ok := s.runs[run.ID]; ok {
		e.run = cloneRun(run)
		return nil
	}
	s.seq++
	s.runs[run.ID] = &memRun{run: cloneRun(run), seq: s.seq}
	return nil
}

func (s *memRuns) FindByID(ctx context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[id]
	if !ok {
		return nil, NewNotFoundError("run", id)
	}
	r := cloneRun(&e.run)
	return &r, nil
}

func (s *memRuns) FindLatestByJobID(ctx context.Context, jobID string) (*model.Run, error) {
	runs := s.collect(func(r *model.Run) bool { return r.JobID == jobID })
	if len(runs) == 0 {
		return nil, NewNotFoundError("run for job", jobID)
	}
	return runs[len(runs)-1], nil
}

func (s *memRuns) ListByJobID(ctx context.Context, jobID string) ([]*model.Run, error) {
	return s.collect(func(r *model.Run) bool { return r.JobID == jobID }), nil
}

func (s *memRuns) ListRunning(ctx context.Context) ([]*model.Run, error) {
	return s.collect(func(r *model.Run) bool { return r.State == model.RunRunning }), nil
}

func (s *memRuns) ListFailed(ctx context.Context) ([]*model.Run, error) {
	return s.collect(func(r *model.Run) bool { return r.State == model.RunFailed }), nil
}

func (s *memRuns) ListSuccess(ctx context.Context) ([]*model.Run, error) {
	return s.collect(func(r *model.Run) bool { return r.State == model.RunSuccess }), nil
}

// collect returns matching runs in insertion order. Attempt numbers restart
// after a requeue, so they cannot order runs.
func (s *memRuns) collect(match func(r *model.Run) bool) []*model.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*memRun, 0)
	for _, e := range s.runs {
		if match(&e.run) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].seq < entries[k].seq })

	out := make([]*model.Run, 0, len(entries))
	for _, e := range entries {
		r := cloneRun(&e.run)
		out = append(out, &r)
	}
	return out
}

func cloneJob(j *model.Job) model.Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

func cloneRun(r *model.Run) model.Run {
	c := *r
	if r.Result != nil {
		c.Result = append([]byte(nil), r.Result...)
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return c
}
