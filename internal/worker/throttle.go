package worker

import (
	"sync"
	"time"
)

// throttle passes through the first call and then at most one call per
// interval. Calls inside the window are dropped, but the most recent dropped
// call is kept for flush.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	fn       func(percent float64, summary string)

	pending        bool
	pendingPercent float64
	pendingSummary string
}

func newThrottle(interval time.Duration, fn func(percent float64, summary string)) *throttle {
	return &throttle{interval: interval, fn: fn}
}

func (t *throttle) call(percent float64, summary string) {
	t.mu.Lock()
	now := time.Now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		t.pending = true
		t.pendingPercent = percent
		t.pendingSummary = summary
		t.mu.Unlock()
		return
	}
	t.last = now
	t.pending = false
	t.mu.Unlock()

	t.fn(clampPercent(percent), summary)
}

// flush delivers the last dropped call, if any.
func (t *throttle) flush() {
	t.mu.Lock()
	if !t.pending {
		t.mu.Unlock()
		return
	}
	percent, summary := t.pendingPercent, t.pendingSummary
	t.pending = false
	t.last = time.Now()
	t.mu.Unlock()

	t.fn(clampPercent(percent), summary)
}

func clampPercent(p float64) float64 {
	switch {
	case p != p, p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
