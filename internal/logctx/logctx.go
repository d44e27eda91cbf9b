// Package logctx carries a *slog.Logger through a context.Context.
//
// A caller stashes a logger in a context once, and code that receives that
// context (pipe.OpenFullDuplex, the demo binaries' run functions) picks it
// back up via FromContext without a separate logger parameter. The other
// library packages take their logger through a Config field or SetLogger.
package logctx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// AddToContext returns a new context carrying logger.
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stashed in ctx, or slog.Default() if none.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
