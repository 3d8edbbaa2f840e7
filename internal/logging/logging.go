// Package logging provides the kernel's single structured-logging convention:
// every component logger is tagged with a "component" attribute, matching
// the component-scoped logger pattern used throughout the domain packages.
package logging

import (
	"log/slog"
	"os"
)

// NewComponentLogger returns a logger tagged with component=name, writing
// text-formatted records to stderr at the given level.
func NewComponentLogger(name string, level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(slog.String("component", name))
}

// Noop returns a logger that discards all records, for tests that do not
// want to assert on log output.
func Noop() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
