package types

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// batchSize observes the number of keys linked per batch.
	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chronicle",
		Subsystem: "types",
		Name:      "batch_size",
		Help:      "Type keys resolved together in one batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	// typesResolved counts keys by outcome.
	// Labels: outcome (resolved, unknown)
	typesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "types",
		Name:      "keys_total",
		Help:      "Total type keys resolved, by outcome",
	}, []string{"outcome"})
)

func recordBatch(size, resolved, unknown int) {
	batchSize.Observe(float64(size))
	typesResolved.WithLabelValues("resolved").Add(float64(resolved))
	typesResolved.WithLabelValues("unknown").Add(float64(unknown))
}
