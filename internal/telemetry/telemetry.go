// Package telemetry exports chronicle's metrics and query spans.
//
// Metrics are the Prometheus collectors registered by the chronicle
// packages, served over HTTP at /metrics. Spans go to a tracer provider
// installed as the otel global; the agent and search packages look it up
// for every span they start.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrUnknownExporter is returned for a trace exporter name Init does not
// know.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// Trace exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Exporters lists the accepted trace exporter names.
var Exporters = []string{ExporterNone, ExporterStdout}

// ShutdownFunc flushes and stops what Init started.
type ShutdownFunc func(context.Context) error

// InitTracing installs a global tracer provider for exporter. Spans are
// written to w as JSON, one object per span. ExporterNone and the empty
// name leave the global provider alone.
func InitTracing(exporter, version string, w io.Writer) (ShutdownFunc, error) {
	switch exporter {
	case "", ExporterNone:
		return func(context.Context) error { return nil }, nil
	case ExporterStdout:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, exporter)
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", "chronicle"),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// MetricsServer serves a Prometheus gatherer at /metrics.
type MetricsServer struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
	done   chan struct{}
}

// ServeMetrics listens on addr and serves g until Shutdown. A nil g serves
// the default registry, which holds every chronicle collector.
func ServeMetrics(addr string, g prometheus.Gatherer, logger *slog.Logger) (*MetricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}

	handler := promhttp.Handler()
	if g != nil {
		handler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	m := &MetricsServer{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger.With("component", "metrics"),
		done:   make(chan struct{}),
	}
	go m.serve()
	m.logger.Info("serving metrics", "address", ln.Addr().String())
	return m, nil
}

func (m *MetricsServer) serve() {
	defer close(m.done)
	if err := m.srv.Serve(m.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("metrics server failed", "error", err)
	}
}

// Addr returns the address the server listens on.
func (m *MetricsServer) Addr() net.Addr {
	return m.ln.Addr()
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx ends.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	err := m.srv.Shutdown(ctx)
	<-m.done
	return err
}
