// Package log is the structured logger used across ratelimitd.
//
// Loggers take a context on every call so trace and span ids from
// OpenTelemetry land on each record. Error records carry the error chain and,
// at or above the stacktrace level, a stack taken from the error when it has
// one (see internal/xerrors).
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App     string
	Version string
	Commit  string
	// Instance distinguishes replicas sharing a backend
	Instance string

	Level           slog.Level
	StacktraceLevel slog.Level
	JSON            bool

	// IncludeErrorLinks adds func/file/line for each wrap in the error chain
	IncludeErrorLinks bool
	MaxErrorLinks     int

	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (valid levels are debug|info|warn|error)", s)
	}
}
