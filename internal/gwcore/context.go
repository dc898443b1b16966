package gwcore

import (
	"context"
	"log/slog"
)

// contextKey follows the single-allocation requestMeta pattern from the
// gateway's internal/gateway.go: one context.WithValue per request instead
// of one per field.
type contextKey int

const ctxKeyMeta contextKey = 0

type requestMeta struct {
	RequestID string
	Logger    *slog.Logger
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request id and a
// request-scoped logger bound to it.
func ContextWithRequestID(ctx context.Context, id string, base *slog.Logger) context.Context {
	if base == nil {
		base = slog.Default()
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{
		RequestID: id,
		Logger:    base.With(slog.String("request_id", id)),
	})
}

func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// LoggerFromContext returns the request-scoped logger, or slog.Default() if
// none was attached (e.g. in tests).
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if m := metaFromContext(ctx); m != nil && m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
