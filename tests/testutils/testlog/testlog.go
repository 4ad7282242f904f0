// Package testlog builds loggers for tests. It imports nothing from the module so any
// package can use it in its own tests.
package testlog

import (
	"log/slog"
	"os"
)

// New logs at debug level unless TEST_LOG_LEVEL says otherwise.
func New() *slog.Logger {
	level := slog.LevelDebug
	if v := os.Getenv("TEST_LOG_LEVEL"); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: nil,
	}))
}
