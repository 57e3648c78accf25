package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere adds up the data points of counter name whose attribute key equals
// value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.LLMDuration.Record(ctx, 0.8)
	m.LLMDuration.Record(ctx, 1.2)
	m.RetrievalDuration.Record(ctx, 0.04)

	rm := collect(t, reader)
	for name, want := range map[string]uint64{
		"spoilerguess.llm.duration":       2,
		"spoilerguess.retrieval.duration": 1,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) == 0 {
			t.Fatalf("metric %q has no histogram data", name)
		}
		if got := hist.DataPoints[0].Count; got != want {
			t.Errorf("%s count = %d, want %d", name, got, want)
		}
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "error")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "spoilerguess.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "spoilerguess.provider.errors", "provider", "openai"); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestGameCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGuess(ctx, false)
	m.RecordGuess(ctx, true)
	m.RecordGuess(ctx, false)
	m.RecordGameEnded(ctx, "revealed")
	m.RecordRateLimited(ctx, "blocked")
	m.RecordBreakerTransition(ctx, "openai", "open")
	m.RecordFiltered(ctx, "spoiler", 3)
	m.RecordFiltered(ctx, "distance", 0)

	rm := collect(t, reader)
	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"spoilerguess.guesses", "result", "incorrect", 2},
		{"spoilerguess.guesses", "result", "correct", 1},
		{"spoilerguess.games.ended", "outcome", "revealed", 1},
		{"spoilerguess.ratelimit.rejections", "reason", "blocked", 1},
		{"spoilerguess.breaker.transitions", "state", "open", 1},
		{"spoilerguess.retrieval.filtered", "reason", "spoiler", 3},
	}
	for _, tt := range tests {
		if got := sumWhere(t, rm, tt.metric, tt.key, tt.value); got != tt.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tt.metric, tt.key, tt.value, got, tt.want)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a == nil || a != b {
		t.Fatal("DefaultMetrics should return one non-nil instance")
	}
}
