// Package logging builds the process logger: slog text records written to
// stdout and to a daily rotated file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

const (
	filePattern = "fpsd.%Y%m%d.log"
	linkName    = "fpsd.log"
)

type Options struct {
	Dir          string
	Level        string
	MaxAge       time.Duration
	RotationTime time.Duration
	// Stdout receives a copy of every record. Nil means os.Stdout.
	Stdout io.Writer
}

// Output is the destination records are written to. It is also handed to
// the operator API for request lines.
type Output struct {
	io.Writer
	file io.Closer
}

// Close closes the rotated file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}

// New returns the logger and its output. An empty Dir logs to Stdout only.
func New(opts Options) (*slog.Logger, *Output, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	out := &Output{Writer: opts.Stdout}
	if out.Writer == nil {
		out.Writer = os.Stdout
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("log dir %q: %w", opts.Dir, err)
		}
		rl, err := rotatelogs.New(
			filepath.Join(opts.Dir, filePattern),
			rotatelogs.WithLinkName(filepath.Join(opts.Dir, linkName)),
			rotatelogs.WithMaxAge(opts.MaxAge),
			rotatelogs.WithRotationTime(opts.RotationTime),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("log rotation: %w", err)
		}
		out.Writer = io.MultiWriter(out.Writer, rl)
		out.file = rl
	}

	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(h), out, nil
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
