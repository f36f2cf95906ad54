package agent

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracer is looked up per span so a provider installed after startup
// still receives them.
func tracer() trace.Tracer {
	return otel.Tracer("chronicle.agent")
}

var (
	// queriesSent counts queries written to the agent.
	// Labels: cmd
	queriesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "agent",
		Name:      "queries_sent_total",
		Help:      "Total queries sent to the agent",
	}, []string{"cmd"})

	// queriesFinished counts queries that reached a terminal state.
	// Labels: cmd, complete (true, false)
	queriesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "agent",
		Name:      "queries_finished_total",
		Help:      "Total queries finished, by completion",
	}, []string{"cmd", "complete"})

	// queriesInFlight is the number of registered queries awaiting termination.
	queriesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chronicle",
		Subsystem: "agent",
		Name:      "queries_in_flight",
		Help:      "Queries sent and not yet finished",
	})

	// diagnostics counts agent and client diagnostics.
	// Labels: severity
	diagnostics = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "agent",
		Name:      "diagnostics_total",
		Help:      "Total diagnostics reported, by severity",
	}, []string{"severity"})
)

func recordSent(cmd string) {
	queriesSent.WithLabelValues(cmd).Inc()
	queriesInFlight.Inc()
}

func recordFinished(cmd string, complete, wasInFlight bool) {
	queriesFinished.WithLabelValues(cmd, strconv.FormatBool(complete)).Inc()
	if wasInFlight {
		queriesInFlight.Dec()
	}
}

func recordDiagnostic(sev Severity) {
	diagnostics.WithLabelValues(sev.String()).Inc()
}
