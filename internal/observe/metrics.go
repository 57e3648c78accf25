// Package observe holds the service's telemetry plumbing: OpenTelemetry
// metric instruments, tracing helpers, a trace-aware slog logger and the gin
// middleware that ties them together for every HTTP request.
//
// Metrics go through the OpenTelemetry Metrics API and are exported to
// Prometheus by [InitProvider]. Production code uses [DefaultMetrics]; tests
// build their own instance with [NewMetrics] over a manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for every instrument below.
const meterName = "github.com/MrWong99/spoilerguess"

// Metrics holds the application's metric instruments. The OTel types are safe
// for concurrent use.
type Metrics struct {
	// LLMDuration tracks model completion latency per backend.
	LLMDuration metric.Float64Histogram

	// RetrievalDuration tracks the embed plus nearest-neighbour search
	// latency. Attribute "scope" is "target" or "decoy".
	RetrievalDuration metric.Float64Histogram

	// ProviderRequests counts calls to external providers by provider, kind
	// and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls by provider and kind.
	ProviderErrors metric.Int64Counter

	// RateLimited counts rejected model queries. Attribute "reason" is
	// "window" or "blocked".
	RateLimited metric.Int64Counter

	// IdentifiersBlocked counts blocks placed after repeated violations.
	IdentifiersBlocked metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes by backend and
	// target state.
	BreakerTransitions metric.Int64Counter

	// GamesStarted counts created games by horizon arc.
	GamesStarted metric.Int64Counter

	// QuestionsAnswered counts answered questions.
	QuestionsAnswered metric.Int64Counter

	// GuessesMade counts guesses. Attribute "result" is "correct" or
	// "incorrect".
	GuessesMade metric.Int64Counter

	// GamesEnded counts games finished by a correct guess or a reveal.
	// Attribute "outcome" is "solved" or "revealed".
	GamesEnded metric.Int64Counter

	// ChunksFiltered counts retrieved chunks dropped for crossing the spoiler
	// horizon or the distance threshold. Attribute "reason" is "spoiler" or
	// "distance".
	ChunksFiltered metric.Int64Counter

	// HTTPRequestDuration tracks request handling time by method, route and
	// status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for model and
// vector-search round trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.LLMDuration, err = m.Float64Histogram("spoilerguess.llm.duration",
		metric.WithDescription("Latency of model completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("spoilerguess.retrieval.duration",
		metric.WithDescription("Latency of embedding plus semantic search."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("spoilerguess.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "spoilerguess.provider.requests", "Provider API requests by provider, kind and status."},
		{&met.ProviderErrors, "spoilerguess.provider.errors", "Provider errors by provider and kind."},
		{&met.RateLimited, "spoilerguess.ratelimit.rejections", "Model queries rejected by the rate limiter."},
		{&met.IdentifiersBlocked, "spoilerguess.ratelimit.blocks", "Identifiers blocked after repeated violations."},
		{&met.BreakerTransitions, "spoilerguess.breaker.transitions", "Circuit breaker state changes by backend."},
		{&met.GamesStarted, "spoilerguess.games.started", "Games started by horizon arc."},
		{&met.QuestionsAnswered, "spoilerguess.questions.answered", "Questions answered by the model."},
		{&met.GuessesMade, "spoilerguess.guesses", "Guesses by result."},
		{&met.GamesEnded, "spoilerguess.games.ended", "Games ended by outcome."},
		{&met.ChunksFiltered, "spoilerguess.retrieval.filtered", "Retrieved chunks dropped before prompting."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] built on
// [otel.GetMeterProvider]. Call it after [InitProvider] so the instruments
// bind to the Prometheus-backed provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one provider call. Failed calls also bump
// ProviderErrors.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider),
		Attr("kind", kind),
		Attr("status", status),
	))
	if status != "ok" {
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
			Attr("provider", provider),
			Attr("kind", kind),
		))
	}
}

// RecordRateLimited counts a rejected request, labelled by what rejected it.
func (m *Metrics) RecordRateLimited(ctx context.Context, reason string) {
	m.RateLimited.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordBreakerTransition counts a breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		Attr("backend", backend),
		Attr("state", state),
	))
}

// RecordGuess counts a guess.
func (m *Metrics) RecordGuess(ctx context.Context, correct bool) {
	result := "incorrect"
	if correct {
		result = "correct"
	}
	m.GuessesMade.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
}

// RecordGameEnded counts a finished game.
func (m *Metrics) RecordGameEnded(ctx context.Context, outcome string) {
	m.GamesEnded.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordFiltered counts n dropped chunks.
func (m *Metrics) RecordFiltered(ctx context.Context, reason string, n int) {
	if n <= 0 {
		return
	}
	m.ChunksFiltered.Add(ctx, int64(n), metric.WithAttributes(Attr("reason", reason)))
}
