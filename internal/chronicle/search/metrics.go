package search

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/chronicle/internal/chronicle/agent"
)

func tracer() trace.Tracer {
	return otel.Tracer("chronicle.search")
}

var (
	// probes counts queries issued by the search algorithms.
	// Labels: algorithm
	probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "search",
		Name:      "probes_total",
		Help:      "Total queries issued by search algorithms",
	}, []string{"algorithm"})

	// runs counts finished algorithm runs.
	// Labels: algorithm, outcome (found, none, incomplete)
	runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "search",
		Name:      "runs_total",
		Help:      "Total search algorithm runs, by outcome",
	}, []string{"algorithm", "outcome"})
)

// Run outcomes.
const (
	outcomeFound      = "found"
	outcomeNone       = "none"
	outcomeIncomplete = "incomplete"
)

// run tracks one top-level algorithm invocation across its query cascade.
type run struct {
	algorithm  string
	span       trace.Span
	probes     int
	incomplete bool
}

func startRun(s *agent.Session, algorithm string, attrs ...attribute.KeyValue) *run {
	attrs = append(attrs, attribute.String("chronicle.session", s.ID()))
	_, span := tracer().Start(context.Background(), "search."+algorithm, trace.WithAttributes(attrs...))
	return &run{algorithm: algorithm, span: span}
}

// probe records one query about to be sent.
func (r *run) probe() {
	r.probes++
	probes.WithLabelValues(r.algorithm).Inc()
}

// settle records whether a query of the run completed.
func (r *run) settle(complete bool) {
	if !complete {
		r.incomplete = true
	}
}

func (r *run) end(found bool) {
	outcome := outcomeNone
	switch {
	case r.incomplete:
		outcome = outcomeIncomplete
	case found:
		outcome = outcomeFound
	}
	runs.WithLabelValues(r.algorithm, outcome).Inc()
	r.span.SetAttributes(
		attribute.String("chronicle.outcome", outcome),
		attribute.Int("chronicle.probes", r.probes),
	)
	if outcome == outcomeIncomplete {
		r.span.SetStatus(codes.Error, outcome)
	} else {
		r.span.SetStatus(codes.Ok, "")
	}
	r.span.End()
}
