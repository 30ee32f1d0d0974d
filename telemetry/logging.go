// Package telemetry sets up structured logging shared by every component.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ParseLevel maps DEBUG, INFO, WARN or ERROR (any case) to a slog level.
// Anything else is INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger builds a logger writing to stdout and installs it as the
// default. format "text" gives human-readable output; anything else is JSON.
func SetupLogger(level, format string) *slog.Logger {
	logger := NewLogger(os.Stdout, level, format)
	slog.SetDefault(logger)
	return logger
}

// NewLogger builds a logger writing to w without touching the default.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

type ctxKey string

// CtxLogger is the context key holding a *slog.Logger.
const CtxLogger ctxKey = "logger"

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, CtxLogger, logger)
}

// FromContext returns the logger stored in ctx, or the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithInstanceID returns logger annotated with instance_id.
func WithInstanceID(logger *slog.Logger, instanceID uint64) *slog.Logger {
	return logger.With("instance_id", strconv.FormatUint(instanceID, 10))
}

// WithCheckpointID returns logger annotated with checkpoint_id.
func WithCheckpointID(logger *slog.Logger, checkpointID string) *slog.Logger {
	return logger.With("checkpoint_id", checkpointID)
}
