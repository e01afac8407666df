package wristcore

import (
	"context"
	"log/slog"
	"os"
	"time"

	slogmulti "github.com/samber/slog-multi"

	"github.com/hupe1980/wristcore/internal/fault"
	"github.com/hupe1980/wristcore/worker"
)

// Logger wraps slog.Logger with kernel-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewFanoutLogger creates a Logger that writes every record to all handlers.
func NewFanoutLogger(handlers ...slog.Handler) *Logger {
	return &Logger{
		Logger: slog.New(slogmulti.Fanout(handlers...)),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithComponent tags the logger with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// WithInstall adds an install id field to the logger.
func (l *Logger) WithInstall(id worker.InstallID) *Logger {
	return &Logger{
		Logger: l.Logger.With("install", id),
	}
}

// LogCompaction logs a settings file compaction.
func (l *Logger) LogCompaction(ctx context.Context, file string, reclaimed int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"file", file,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "compaction completed",
			"file", file,
			"reclaimed", reclaimed,
			"duration", d,
		)
	}
}

// LogCrash logs a worker or app crash report.
func (l *Logger) LogCrash(ctx context.Context, c fault.Crash, err error) {
	if err != nil {
		l.WarnContext(ctx, "crash report not handled",
			"task", c.TaskID,
			"kind", c.Kind.String(),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "crash handled",
			"task", c.TaskID,
			"kind", c.Kind.String(),
			"pc", c.FaultPC,
			"lr", c.LR,
		)
	}
}

// LogInstall logs an install or uninstall.
func (l *Logger) LogInstall(ctx context.Context, op string, id worker.InstallID, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"install", id,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, op+" completed",
			"install", id,
		)
	}
}
