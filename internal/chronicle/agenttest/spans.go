package agenttest

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Spans records finished spans for one test.
type Spans struct {
	rec *tracetest.SpanRecorder
}

// RecordSpans installs a tracer provider that records every span until the
// test ends. Tests using it must not run in parallel.
func RecordSpans(t testing.TB) *Spans {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		tp.Shutdown(context.Background())
	})
	return &Spans{rec: rec}
}

// Ended returns the finished spans named name that belong to session.
func (s *Spans) Ended(session, name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, span := range s.rec.Ended() {
		if span.Name() != name {
			continue
		}
		if v, ok := Attr(span, "chronicle.session"); ok && v.AsString() == session {
			out = append(out, span)
		}
	}
	return out
}

// Attr returns the value of a span attribute.
func Attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}
