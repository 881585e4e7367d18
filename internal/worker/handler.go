package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/process"
)

// Handler executes one attempt of a job. Ordinary failures are reported in
// the Result; ctx is cancelled when the job is cancelled or the scheduler
// shuts down.
type Handler interface {
	Handle(ctx context.Context, job *model.Job, progress process.ProgressFunc) process.Result
}

type HandlerFunc func(ctx context.Context, job *model.Job, progress process.ProgressFunc) process.Result

func (f HandlerFunc) Handle(ctx context.Context, job *model.Job, progress process.ProgressFunc) process.Result {
	return f(ctx, job, progress)
}

// AdapterHandler runs a process adapter with the source taken from the job
// payload ({"source": "..."}).
type AdapterHandler struct {
	Adapter    process.Adapter
	Executable string
}

func (h AdapterHandler) Handle(ctx context.Context, job *model.Job, progress process.ProgressFunc) process.Result {
	var src model.Source
	if err := json.Unmarshal(job.Payload, &src); err != nil {
		return process.Result{
			ExitCode: -1,
			Code:     model.CodeBadInput,
			Message:  fmt.Sprintf("decode payload: %v", err),
		}
	}
	return h.Adapter.Start(ctx, process.Spec{
		JobID:           job.ID,
		Source:          src.Source,
		TargetDirectory: job.TargetDirectory,
		Executable:      h.Executable,
	}, progress)
}
