package replaygo

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with replay-specific context.
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
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithTable adds a table field to the logger.
func (l *Logger) WithTable(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("table", name),
	}
}

// WithKey adds an item key field to the logger.
func (l *Logger) WithKey(key uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("key", key),
	}
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(ctx context.Context, table string, key uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed",
			"table", table,
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "insert completed",
			"table", table,
			"key", key,
		)
	}
}

// LogSample logs a sample operation.
func (l *Logger) LogSample(ctx context.Context, table string, requested, returned int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "sample failed",
			"table", table,
			"requested", requested,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "sample completed",
			"table", table,
			"requested", requested,
			"returned", returned,
		)
	}
}

// LogMutate logs a mutate operation.
func (l *Logger) LogMutate(ctx context.Context, table string, updates, deletes int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "mutate failed",
			"table", table,
			"updates", updates,
			"deletes", deletes,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "mutate completed",
			"table", table,
			"updates", updates,
			"deletes", deletes,
		)
	}
}

// LogCheckpoint logs a checkpoint operation.
func (l *Logger) LogCheckpoint(ctx context.Context, dir string, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"dir", dir,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "checkpoint saved",
			"dir", dir,
			"duration", duration,
		)
	}
}

// LogRestore logs a checkpoint restore operation.
func (l *Logger) LogRestore(ctx context.Context, dir string, tables int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "restore failed",
			"dir", dir,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "restore completed",
			"dir", dir,
			"tables", tables,
		)
	}
}
