// Package log provides context-aware structured logging on top of log/slog.
package log

import (
	"context"
	"log/slog"
	"os"
)

// Setup installs the default slog logger. Text output for development,
// JSON for release.
func Setup(level string, release bool) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if release {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithContext returns a logger that includes the trace ID and any additional
// log fields stored in the context.
func WithContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	if traceID := TraceID(ctx); traceID != "" {
		logger = logger.With("trace_id", traceID)
	}
	for k, v := range GetLogFields(ctx) {
		logger = logger.With(k, v)
	}

	return logger
}

// Info logs at Info level with automatic trace_id and field extraction from context.
func Info(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// Error logs at Error level with automatic trace_id and field extraction from context.
func Error(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// Warn logs at Warn level with automatic trace_id and field extraction from context.
func Warn(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// Debug logs at Debug level with automatic trace_id and field extraction from context.
func Debug(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
