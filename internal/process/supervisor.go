// Package process binds external OS processes to job ids.
//
// A Supervisor holds at most one Binding per job id. The binding owns the
// cancellation context of the attempt; Exec spawns the tool under that
// context, records its pid and streams its output line by line.
package process

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyRunning is returned by Bind when the job id already has a live
// binding. It signals a broken invariant, not a failed attempt.
var ErrAlreadyRunning = errors.New("process: job already has a live process")

const (
	DefaultGrace = time.Second

	// releaseSlack bounds how long Cancel waits past the grace period for the
	// owner of a binding to release it.
	releaseSlack = 5 * time.Second
)

// Binding is the in-memory handle of one job's attempt.
type Binding struct {
	JobID string
	Kind  string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	pid      int
	released bool
}

// Context is cancelled when the binding is cancelled.
func (b *Binding) Context() context.Context { return b.ctx }

// Done is closed once the binding is released.
func (b *Binding) Done() <-chan struct{} { return b.done }

func (b *Binding) PID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pid
}

func (b *Binding) setPID(pid int) {
	b.mu.Lock()
	b.pid = pid
	b.mu.Unlock()
}

// Supervisor is the registry of live bindings. The zero value is not usable;
// construct it with NewSupervisor.
type Supervisor struct {
	mu       sync.Mutex
	bindings map[string]*Binding
	grace    time.Duration
	logger   zerolog.Logger

	// OnSpawn, if set, is called with the pid of every process Exec starts.
	OnSpawn func(jobID string, pid int)
}

// NewSupervisor creates a Supervisor whose cancellations wait grace before
// force-killing. A non-positive grace uses DefaultGrace.
func NewSupervisor(grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Supervisor{
		bindings: make(map[string]*Binding),
		grace:    grace,
		logger:   log.With().Str("component", "supervisor").Logger(),
	}
}

// Grace returns the graceful termination window.
func (s *Supervisor) Grace() time.Duration { return s.grace }

// Bind registers jobID. The check and the insert happen under one lock, so
// concurrent binds for the same id cannot both succeed.
func (s *Supervisor) Bind(parent context.Context, jobID, kind string) (*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bindings[jobID]; ok {
		return nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(parent)
	b := &Binding{
		JobID:  jobID,
		Kind:   kind,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.bindings[jobID] = b
	return b, nil
}

// Release removes the binding. It is safe to call more than once and after
// Cancel has already cleared the entry.
func (s *Supervisor) Release(b *Binding) {
	if b == nil {
		return
	}
	s.mu.Lock()
	if cur, ok := s.bindings[b.JobID]; ok && cur == b {
		delete(s.bindings, b.JobID)
	}
	s.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	b.pid = 0
	b.cancel()
	close(b.done)
}

// Cancel terminates the attempt bound to jobID and reports whether one was
// bound. The process gets SIGTERM, then SIGKILL after the grace period. The
// binding is cleared before Cancel returns even if its owner never releases it.
func (s *Supervisor) Cancel(jobID string) bool {
	s.mu.Lock()
	b, ok := s.bindings[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.logger.Info().Str("job_id", jobID).Int("pid", b.PID()).Msg("cancelling process")
	b.cancel()

	select {
	case <-b.done:
	case <-time.After(s.grace + releaseSlack):
		s.logger.Warn().Str("job_id", jobID).Msg("binding not released in time, clearing")
		s.mu.Lock()
		if cur, ok := s.bindings[jobID]; ok && cur == b {
			delete(s.bindings, jobID)
		}
		s.mu.Unlock()
	}
	return true
}

// CancelAll cancels every live binding concurrently and waits for all of them.
func (s *Supervisor) CancelAll() {
	var wg sync.WaitGroup
	for _, id := range s.JobIDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.Cancel(id)
		}(id)
	}
	wg.Wait()
}

// Active counts live bindings of the given kind. An empty kind counts all.
func (s *Supervisor) Active(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == "" {
		return len(s.bindings)
	}
	n := 0
	for _, b := range s.bindings {
		if b.Kind == kind {
			n++
		}
	}
	return n
}

func (s *Supervisor) IsActive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bindings[jobID]
	return ok
}

// PID returns the pid of the process bound to jobID, or 0.
func (s *Supervisor) PID(jobID string) int {
	s.mu.Lock()
	b, ok := s.bindings[jobID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return b.PID()
}

// JobIDs returns the bound job ids in sorted order.
func (s *Supervisor) JobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.bindings))
	for id := range s.bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Supervisor) lookup(jobID string) *Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings[jobID]
}
