package logger

import (
	"io"
	"log/slog"
	"os"
)

// Setup returns the process logger: warnings only by default, info with
// verbose, everything with debug.
func Setup(verbose, debug bool) *slog.Logger {
	return New(os.Stdout, verbose, debug)
}

func New(w io.Writer, verbose, debug bool) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case debug:
		level = slog.LevelDebug
	case verbose:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// Discard drops everything; used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
