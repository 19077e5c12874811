package server

import (
	"context"
	"log/slog"

	"framemill/internal/observability/logging"
)

// loggerWithRequestContext prefers the logger the request-ID middleware stored
// on the context, so access lines carry the same request_id the handlers log
// with. Outside the middleware chain it falls back to annotating the base
// logger directly.
func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(ctx, logger)
}
