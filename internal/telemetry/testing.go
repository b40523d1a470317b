package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans in memory.
type TestTelemetry struct {
	*Telemetry
	SpanRecorder *tracetest.SpanRecorder
}

// NewTestTelemetry installs an in-memory tracer provider globally and
// restores the previous one when tb finishes.
func NewTestTelemetry(tb testing.TB) *TestTelemetry {
	tb.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tb.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := NewDefaultConfig()
	cfg.Enabled = true
	t := &Telemetry{config: cfg, tracerProvider: tp}
	t.healthy.Store(true)
	return &TestTelemetry{Telemetry: t, SpanRecorder: rec}
}

// Spans returns ended spans.
func (t *TestTelemetry) Spans() []trace.ReadOnlySpan { return t.SpanRecorder.Ended() }

// SpanByName returns the first ended span named name, or nil.
func (t *TestTelemetry) SpanByName(name string) trace.ReadOnlySpan {
	for _, s := range t.Spans() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if t.SpanByName(name) == nil {
		names := make([]string, 0)
		for _, s := range t.Spans() {
			names = append(names, s.Name())
		}
		tb.Errorf("span %q not recorded, have %v", name, names)
	}
}

func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, span, key string, want any) {
	tb.Helper()
	s := t.SpanByName(span)
	if s == nil {
		tb.Fatalf("span %q not recorded", span)
	}
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			if got := attrValue(kv.Value); got != want {
				tb.Errorf("span %q attribute %q = %v, want %v", span, key, got, want)
			}
			return
		}
	}
	tb.Errorf("span %q has no attribute %q", span, key)
}

func attrValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.STRING:
		return v.AsString()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.BOOL:
		return v.AsBool()
	default:
		return v.AsInterface()
	}
}
