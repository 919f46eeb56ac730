// Package log provides structured logging utilities for the GOMP settlement service.
// It wraps the standard library's slog package with pool and settlement helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// ParseLevel maps a configured level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a logger carrying the cycle id stored in ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id, ok := CycleID(ctx); ok {
		return l.WithFields("cycle_id", id)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithPool returns a logger with the pool name
func (l *Logger) WithPool(pool string) *Logger {
	return l.WithFields("pool", pool)
}

// WithTrack returns a logger with the settlement track (primary or auxiliary)
func (l *Logger) WithTrack(track string) *Logger {
	return l.WithFields("track", track)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Log writes one entry per message under a category label for a pool.
// It never fails; an empty message list writes nothing.
func (l *Logger) Log(category, pool string, messages ...string) {
	for _, msg := range messages {
		l.Info(msg, "category", category, "pool", pool)
	}
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(duration.Nanoseconds())/1e6,
	)
}

// LogSettlement logs the outcome of one settlement cycle
func (l *Logger) LogSettlement(track, outcome string, blocks int, duration time.Duration) {
	l.Info("settlement cycle finished",
		"track", track,
		"outcome", outcome,
		"blocks", blocks,
		"duration_ms", float64(duration.Nanoseconds())/1e6,
	)
}

type cycleKey struct{}

// ContextWithCycle stores a cycle id for WithContext
func ContextWithCycle(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleKey{}, id)
}

// CycleID returns the cycle id stored by ContextWithCycle
func CycleID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(cycleKey{}).(string)
	return id, ok
}
