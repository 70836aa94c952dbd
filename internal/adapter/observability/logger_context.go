package observability

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	jobIDKey
)

// ContextWithLogger stores a request- or job-scoped logger on the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, lg)
}

// ContextWithJobID tags the context with the job being processed so layers
// that never saw the scoped logger still correlate their logs.
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	if ctx == nil || jobID == "" {
		return ctx
	}
	return context.WithValue(ctx, jobIDKey, jobID)
}

// LoggerFromContext returns the logger stored on the context. When only a job
// id tag is present the default logger is decorated with it; a stored logger
// is assumed to carry its own correlation attrs already.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if lg, ok := ctx.Value(loggerKey).(*slog.Logger); ok && lg != nil {
		return lg
	}
	lg := slog.Default()
	if id, ok := ctx.Value(jobIDKey).(string); ok && id != "" {
		lg = lg.With(slog.String("job_id", id))
	}
	return lg
}
