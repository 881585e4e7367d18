package model

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusRetrying   JobStatus = "retrying"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether a job in this status will never be selected again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s JobStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusRetrying, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job kinds routed to the built-in process adapters.
const (
	KindDownload = "download"
	KindExtract  = "extract"
)

// Job is a durable unit of work.
type Job struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	TargetDirectory string          `json:"target_directory"`
	Status          JobStatus       `json:"status"`
	Attempts        int             `json:"attempts"`
	MaxRetries      int             `json:"max_retries"`
	ProgressPercent float64         `json:"progress_percent"`
	ProgressSummary string          `json:"progress_summary,omitempty"`
	PID             int             `json:"pid,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ScheduledAt     time.Time       `json:"scheduled_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Source is the locator carried in the payload of download and extract jobs.
type Source struct {
	Source string `json:"source"`
}
