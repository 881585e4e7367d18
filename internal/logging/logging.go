// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup sets the global level and output. format is "text" for a console
// writer or "json". When file is set, logs go there instead of stderr. The
// returned closer releases the file.
func Setup(level, format, file string) (io.Closer, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	switch format {
	case "json":
	case "text", "":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime, NoColor: file != ""}
	default:
		_ = closer.Close()
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
