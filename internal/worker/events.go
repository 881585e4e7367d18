package worker

import (
	"time"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
)

type EventType string

const (
	EventJobEnqueued  EventType = "job_enqueued"
	EventRunStarted   EventType = "run_started"
	EventProgress     EventType = "progress"
	EventRunFinished  EventType = "run_finished"
	EventJobCancelled EventType = "job_cancelled"
)

// Event describes a change in job or run state.
type Event struct {
	Type      EventType       `json:"type"`
	JobID     string          `json:"job_id"`
	Kind      string          `json:"kind,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	RunState  model.RunState  `json:"run_state,omitempty"`
	JobStatus model.JobStatus `json:"job_status,omitempty"`
	Percent   float64         `json:"percent,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	Time      time.Time       `json:"time"`
}

// EventSink receives events. OnEvent is called from attempt goroutines and
// must not block.
type EventSink interface {
	OnEvent(Event)
}

type EventSinkFunc func(Event)

func (f EventSinkFunc) OnEvent(e Event) { f(e) }

func (o *Orchestrator) emit(e Event) {
	if o.opts.Events == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.opts.Events.OnEvent(e)
}
