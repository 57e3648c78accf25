package observe

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests that hit no registered route, keeping the
// route attribute bounded.
const unmatchedRoute = "unmatched"

// Middleware returns a gin handler that, per request:
//
//  1. continues an incoming W3C trace or starts a new one,
//  2. wraps the handler chain in a server span,
//  3. echoes the trace ID as X-Correlation-ID,
//  4. records latency labelled by the route pattern,
//  5. writes one access log line.
//
// The route pattern (for example /api/games/:id/questions) is used instead of
// the raw path so game IDs never become metric labels.
func Middleware(m *Metrics) gin.HandlerFunc {
	prop := propagation.TraceContext{}

	return func(c *gin.Context) {
		start := time.Now()
		r := c.Request

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}

		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.HTTPRoute(route),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		cid := CorrelationID(ctx)
		if cid != "" {
			c.Header("X-Correlation-ID", cid)
		}
		prop.Inject(ctx, propagation.HeaderCarrier(c.Writer.Header()))

		c.Request = r.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		duration := time.Since(start)
		m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				Attr("method", r.Method),
				Attr("route", route),
				Attr("status", strconv.Itoa(status)),
			),
		)
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))

		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("trace_id", cid),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", duration),
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			attrs = append(attrs, slog.String("err", errs.String()))
		}
		slog.LogAttrs(ctx, level, "request completed", attrs...)
	}
}
