package process

import (
	"context"
	"fmt"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
)

// Spec is the input of one adapter invocation.
type Spec struct {
	JobID           string
	Source          string
	TargetDirectory string
	Executable      string
}

// ProgressFunc receives parsed progress. percent is in [0, 100].
type ProgressFunc func(percent float64, summary string)

// Result is the structured outcome of an adapter run. Ordinary tool failures
// are reported here, never as a Go error.
type Result struct {
	Success  bool     `json:"success"`
	ExitCode int      `json:"exit_code"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message,omitempty"`
	Output   []string `json:"output,omitempty"`
}

// Adapter runs one external tool for a job.
type Adapter interface {
	Start(ctx context.Context, spec Spec, onProgress ProgressFunc) Result
}

// tool is the part of an adapter that differs between external programs.
type tool struct {
	name       string
	executable string
	stream     Stream
	args       func(spec Spec) []string
	parse      func(line string) (float64, string, bool)
	exitCodes  map[int]string
}

func (t tool) describe(code int) string {
	if msg, ok := t.exitCodes[code]; ok {
		return msg
	}
	return "Unknown error."
}

func (t tool) run(ctx context.Context, sup *Supervisor, spec Spec, onProgress ProgressFunc) Result {
	if spec.Source == "" {
		return Result{ExitCode: -1, Code: model.CodeBadInput, Message: t.name + ": source is required"}
	}
	if spec.TargetDirectory == "" {
		return Result{ExitCode: -1, Code: model.CodeBadInput, Message: t.name + ": target directory is required"}
	}

	executable := spec.Executable
	if executable == "" {
		executable = t.executable
	}

	onLine := func(line string) {
		if onProgress == nil {
			return
		}
		if percent, summary, ok := t.parse(line); ok {
			onProgress(percent, summary)
		}
	}

	exit := sup.Exec(ctx, spec.JobID, Command{
		Path:     executable,
		Args:     t.args(spec),
		Progress: t.stream,
	}, onLine)

	switch {
	case !exit.Spawned():
		return Result{
			ExitCode: exit.ExitCode,
			Code:     model.CodeSpawn,
			Message:  fmt.Sprintf("%s: failed to start %s: %v", t.name, executable, exit.Err),
		}
	case exit.Err == nil && exit.ExitCode == 0:
		// A tool that finished cleanly while being cancelled still succeeded.
		return Result{Success: true, ExitCode: 0}
	case exit.Cancelled:
		return Result{
			ExitCode: exit.ExitCode,
			Code:     model.CodeCancelled,
			Message:  t.name + ": cancelled",
			Output:   exit.Tail,
		}
	case exit.Err != nil:
		return Result{
			ExitCode: exit.ExitCode,
			Code:     model.CodeExit,
			Message:  fmt.Sprintf("%s: %v", t.name, exit.Err),
			Output:   exit.Tail,
		}
	default:
		return Result{
			ExitCode: exit.ExitCode,
			Code:     model.CodeExit,
			Message:  fmt.Sprintf("%s exited with code %d: %s", t.name, exit.ExitCode, t.describe(exit.ExitCode)),
			Output:   exit.Tail,
		}
	}
}
