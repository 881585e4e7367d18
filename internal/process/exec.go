package process

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
)

// Stream selects which output stream of a tool carries its progress text.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Command describes one tool invocation.
type Command struct {
	Path     string
	Args     []string
	Dir      string
	Env      []string
	Progress Stream
}

// Exit is what Exec observed about a finished process.
type Exit struct {
	PID       int
	ExitCode  int
	Err       error // spawn or wait failure; nil for a normal exit, even non-zero
	Cancelled bool
	Tail      []string
}

// Spawned reports whether the process was started at all.
func (e Exit) Spawned() bool { return e.PID > 0 }

const tailLines = 10

// Exec runs cmd until it exits or ctx is cancelled. Each non-empty line of
// the progress stream is passed to onLine. Lines are split on \n, \r and \b
// since download and archive tools redraw progress in place.
//
// On cancellation the process receives a graceful termination signal and is
// killed if it is still alive after the supervisor's grace period.
func (s *Supervisor) Exec(ctx context.Context, jobID string, cmd Command, onLine func(string)) Exit {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	c.Cancel = func() error { return terminate(c.Process) }
	c.WaitDelay = s.grace

	progress := &lineWriter{onLine: onLine}
	other := &lineWriter{}
	if cmd.Progress == Stderr {
		c.Stderr, c.Stdout = progress, other
	} else {
		c.Stdout, c.Stderr = progress, other
	}

	logger := s.logger.With().Str("job_id", jobID).Str("tool", cmd.Path).Logger()

	if err := c.Start(); err != nil {
		logger.Error().Err(err).Msg("spawn failed")
		return Exit{ExitCode: -1, Err: err}
	}

	pid := c.Process.Pid
	if b := s.lookup(jobID); b != nil {
		b.setPID(pid)
	}
	if s.OnSpawn != nil {
		s.OnSpawn(jobID, pid)
	}
	logger.Debug().Int("pid", pid).Strs("args", cmd.Args).Msg("process started")

	err := c.Wait()
	progress.flush()
	other.flush()

	exit := Exit{
		PID:       pid,
		ExitCode:  -1,
		Cancelled: ctx.Err() != nil,
		Tail:      append(other.lines(), progress.lines()...),
	}
	if c.ProcessState != nil {
		exit.ExitCode = c.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.As(err, &exitErr):
	case errors.Is(err, exec.ErrWaitDelay):
		// The process exited but a child kept its output open.
	default:
		exit.Err = err
	}

	if b := s.lookup(jobID); b != nil {
		b.setPID(0)
	}
	logger.Debug().Int("pid", pid).Int("exit_code", exit.ExitCode).Bool("cancelled", exit.Cancelled).Msg("process exited")
	return exit
}

// maxLine bounds the buffered fragment; tools that never emit a separator
// are flushed in chunks.
const maxLine = 64 << 10

type lineWriter struct {
	mu     sync.Mutex
	buf    []byte
	tail   []string
	onLine func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range p {
		switch ch {
		case '\n', '\r', '\b':
			w.emit()
		default:
			w.buf = append(w.buf, ch)
			if len(w.buf) >= maxLine {
				w.emit()
			}
		}
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit()
}

func (w *lineWriter) emit() {
	line := strings.TrimSpace(string(w.buf))
	w.buf = w.buf[:0]
	if line == "" {
		return
	}
	w.tail = append(w.tail, line)
	if len(w.tail) > tailLines {
		w.tail = w.tail[len(w.tail)-tailLines:]
	}
	if w.onLine != nil {
		w.onLine(line)
	}
}

func (w *lineWriter) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.tail...)
}
