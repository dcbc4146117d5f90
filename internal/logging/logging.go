// Package logging constructs the router's structured zerolog logger,
// adapted from the teacher's internal/single/monitoring/logger.go.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// New builds a zerolog.Logger configured per opts. JSON output is the
// default (Loki-compatible); "pretty" uses zerolog's ConsoleWriter.
func New(opts Options) zerolog.Logger {
	var out io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if opts.Format == "pretty" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).With().
		Timestamp().
		Str("component", "clasp-router").
		Logger()
}

// Invariant logs a core invariant violation with a full stack trace. Per
// §7, invariant violations are fatal to the offending session only — the
// router itself must never panic — so this logs at Error level, not Fatal.
func Invariant(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err).Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
