package logger

import (
	"io"
	"log/slog"
	"time"
)

// NewSlogLogger creates a Logger writing JSON records to w at the given level.
// It is used by tests and by tools that run without a CentralLogger.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) Logger {
	if w == nil {
		w = io.Discard
	}
	if tz == nil {
		tz = time.UTC
	}
	lvl := parseSlogLevel(level)
	return &moduleLogger{
		logger: slog.New(newJSONHandler(w, lvl, tz)),
		level:  lvl,
	}
}

// NewTestLogger returns a debug-level Logger writing JSON lines to w.
func NewTestLogger(w io.Writer) Logger {
	return NewSlogLogger(w, LogLevelDebug, time.UTC)
}

// NewDiscardLogger returns a Logger that drops everything.
func NewDiscardLogger() Logger {
	return NewSlogLogger(io.Discard, LogLevelError, time.UTC)
}
