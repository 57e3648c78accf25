package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestStartSpan(t *testing.T) {
	exp := installTracer(t)

	ctx, span := StartSpan(context.Background(), "retrieval.search")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("correlation ID = %q, want 32 lowercase hex chars", cid)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "retrieval.search" {
		t.Fatalf("spans = %v, want one named retrieval.search", spans)
	}
}

func TestCorrelationID_Unique(t *testing.T) {
	installTracer(t)

	seen := make(map[string]bool, 50)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "unique")
		cid := CorrelationID(ctx)
		span.End()
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestLogger(t *testing.T) {
	installTracer(t)

	t.Run("with span", func(t *testing.T) {
		buf := captureLogs(t)
		ctx, span := StartSpan(context.Background(), "log")
		defer span.End()

		Logger(ctx).Info("answered")
		out := buf.String()
		if !strings.Contains(out, "trace_id=") || !strings.Contains(out, "span_id=") {
			t.Errorf("log line missing trace attributes: %s", out)
		}
	})

	t.Run("without span", func(t *testing.T) {
		buf := captureLogs(t)
		Logger(context.Background()).Info("answered")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("log line should not carry trace_id: %s", buf.String())
		}
	})
}

func TestStartGameSpan(t *testing.T) {
	exp := installTracer(t)
	buf := captureLogs(t)

	ctx, span := StartGameSpan(context.Background(), "play.AskQuestion", "01JGAME",
		attribute.Int("question.len", 12))
	Logger(ctx).Info("answered")
	span.End()

	if got := GameID(ctx); got != "01JGAME" {
		t.Errorf("GameID = %q, want 01JGAME", got)
	}
	if !strings.Contains(buf.String(), "game_id=01JGAME") {
		t.Errorf("log line missing game_id: %s", buf.String())
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	if v := attrs[GameIDKey]; v.AsString() != "01JGAME" {
		t.Errorf("span %s = %q, want 01JGAME", GameIDKey, v.AsString())
	}
	if v := attrs["question.len"]; v.AsInt64() != 12 {
		t.Errorf("span question.len = %d, want 12", v.AsInt64())
	}
}

func TestWithGame_Empty(t *testing.T) {
	ctx := WithGame(context.Background(), "")
	if got := GameID(ctx); got != "" {
		t.Errorf("GameID = %q, want empty", got)
	}
	buf := captureLogs(t)
	Logger(ctx).Info("started")
	if strings.Contains(buf.String(), "game_id") {
		t.Errorf("log line should not carry game_id: %s", buf.String())
	}
}
