// Package logging provides centralized logging for the encimap daemon.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// contextKey is used for storing loggers in context.
type contextKey struct{}

var loggerKey = contextKey{}

// requestCounter is used to generate unique request IDs.
var requestCounter atomic.Uint64

// NewLogger creates a new slog.Logger with the specified level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler)
}

// WithRequest returns a new logger with request-scoped attributes.
// It generates a unique request ID for log correlation.
func WithRequest(logger *slog.Logger, method, path, remoteAddr string) *slog.Logger {
	reqID := requestCounter.Add(1)
	return logger.With(
		slog.Uint64("req_id", reqID),
		slog.String("method", method),
		slog.String("path", path),
		slog.String("remote_addr", remoteAddr),
	)
}

// WithVaultbox returns a new logger scoped to a vaultbox.
func WithVaultbox(logger *slog.Logger, vaultboxID string) *slog.Logger {
	return logger.With(slog.String("vaultbox_id", vaultboxID))
}

// WithComponent returns a new logger tagged with a component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// FromContext retrieves the logger from the context.
// Returns the default logger if none is found.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// NewContext returns a new context with the logger attached.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
