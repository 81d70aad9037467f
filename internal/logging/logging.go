// Package logging provides structured logging for the settlement service
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// Options configures the root logger.
type Options struct {
	Level  string
	Format string

	// File, when set, sends log output to a size-rotated file instead of stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New creates a new structured logger writing to stdout
func New(level string, format string) *slog.Logger {
	return NewWithOptions(Options{Level: level, Format: format})
}

// NewWithOptions creates a logger from Options.
func NewWithOptions(o Options) *slog.Logger {
	lvl := ParseLevel(o.Level)

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var out io.Writer = os.Stdout
	if o.File != "" {
		out = rotatingWriter(o)
	}

	var handler slog.Handler
	if o.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

func rotatingWriter(o Options) *lumberjack.Logger {
	maxSize := o.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	backups := o.MaxBackups
	if backups <= 0 {
		backups = 5
	}
	return &lumberjack.Logger{
		Filename:   o.File,
		MaxSize:    maxSize,
		MaxBackups: backups,
		Compress:   true,
	}
}

// ParseLevel maps a textual level to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context logger tagged with the request ID, if any
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		return logger.With("request_id", reqID)
	}
	return logger
}
