package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/spoilerguess"

// GameIDKey is the span attribute and log key carrying a game ID.
const GameIDKey = "game.id"

type gameKey struct{}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// WithGame scopes ctx to gameID. Spans started by [StartGameSpan] and
// loggers from [Logger] pick it up.
func WithGame(ctx context.Context, gameID string) context.Context {
	if gameID == "" {
		return ctx
	}
	return context.WithValue(ctx, gameKey{}, gameID)
}

// GameID returns the game ctx is scoped to, or "".
func GameID(ctx context.Context) string {
	id, _ := ctx.Value(gameKey{}).(string)
	return id
}

// StartGameSpan starts a span for an operation on gameID and scopes the
// returned context to that game. The caller must end the span.
func StartGameSpan(ctx context.Context, name, gameID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = WithGame(ctx, gameID)
	if gameID != "" {
		attrs = append(attrs, attribute.String(GameIDKey, gameID))
	}
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none. It is echoed to clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched from ctx: trace_id and span_id
// for an active span, game_id for a game scope.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := GameID(ctx); id != "" {
		attrs = append(attrs, slog.String("game_id", id))
	}
	if len(attrs) > 0 {
		l = l.With(attrs...)
	}
	return l
}
