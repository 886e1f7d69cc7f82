package observe

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs an in-memory tracer provider as the global one for the
// duration of the test. Tests using it must not run in parallel.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default slog logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func spanAttr(span tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSetOutcome(t *testing.T) {
	exp := recordSpans(t)

	tests := []struct {
		name     string
		status   string
		errMsg   string
		wantCode codes.Code
	}{
		{name: "played", status: "played", wantCode: codes.Unset},
		{name: "generation failed", status: "generation_failed", errMsg: "resilience: all providers failed", wantCode: codes.Error},
		{name: "unavailable", status: "unavailable", errMsg: "sfx: no generator available", wantCode: codes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp.Reset()
			_, span := StartSpan(context.Background(), "dispatch.trigger")
			SetOutcome(span, tt.status, tt.errMsg)
			span.End()

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			got := spans[0]
			if v, ok := spanAttr(got, "status"); !ok || v.AsString() != tt.status {
				t.Errorf("status attribute = %v (present %v), want %q", v.AsString(), ok, tt.status)
			}
			if got.Status.Code != tt.wantCode {
				t.Errorf("span code = %v, want %v", got.Status.Code, tt.wantCode)
			}
			if got.Status.Description != tt.errMsg {
				t.Errorf("span description = %q, want %q", got.Status.Description, tt.errMsg)
			}
		})
	}
}

func TestStartSpan_NestsUnderParent(t *testing.T) {
	exp := recordSpans(t)

	ctx, parent := StartSpan(context.Background(), "HTTP POST /api/trigger/manual")
	_, child := StartSpan(ctx, "dispatch.trigger")
	child.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	trigger, request := spans[0], spans[1]
	if trigger.Name != "dispatch.trigger" {
		t.Fatalf("first ended span = %q, want dispatch.trigger", trigger.Name)
	}
	if trigger.Parent.SpanID() != request.SpanContext.SpanID() {
		t.Error("dispatch span is not a child of the request span")
	}
	if trigger.SpanContext.TraceID() != request.SpanContext.TraceID() {
		t.Error("dispatch span does not share the request trace")
	}
}

func TestCorrelationID(t *testing.T) {
	recordSpans(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(context.Background(), "session.window")
		cid := CorrelationID(ctx)
		span.End()

		if b, err := hex.DecodeString(cid); err != nil || len(b) != 16 {
			t.Fatalf("CorrelationID = %q, want 32 hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestLogger(t *testing.T) {
	recordSpans(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("dispatch: effect triggered", "effect_id", "applause")
	plain := buf.String()
	if strings.Contains(plain, "trace_id") {
		t.Errorf("log without span carries trace_id: %s", plain)
	}

	buf.Reset()
	ctx, span := StartSpan(context.Background(), "dispatch.trigger")
	defer span.End()
	Logger(ctx).Warn("dispatch: trigger not played", "effect_id", "boo")

	logged := buf.String()
	wantTrace := "trace_id=" + CorrelationID(ctx)
	if !strings.Contains(logged, wantTrace) {
		t.Errorf("log missing %q: %s", wantTrace, logged)
	}
	if !strings.Contains(logged, "span_id=") || !strings.Contains(logged, "effect_id=boo") {
		t.Errorf("log missing span_id or fields: %s", logged)
	}
}
