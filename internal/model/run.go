package model

import (
	"encoding/json"
	"time"
)

type RunState string

const (
	RunRunning RunState = "running"
	RunSuccess RunState = "success"
	RunFailed  RunState = "failed"
)

// Error codes recorded on failed runs.
const (
	CodeExit      = "exit_code"
	CodeSpawn     = "spawn_error"
	CodeOrphaned  = "orphaned"
	CodeCancelled = "cancelled"
	CodePanic     = "handler_panic"
	CodeBadInput  = "bad_payload"
)

// Run is one execution attempt of a Job.
type Run struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	Attempt      int             `json:"attempt"`
	State        RunState        `json:"state"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}
