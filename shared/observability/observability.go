package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

func newResource(serviceName string) (*resource.Resource, error) {
	// schemaless so the merge never conflicts with the SDK default schema
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)),
	)
}

// SetupTracing installs a global tracer provider that writes spans to w
// (stdout exporter; swap for OTLP when a collector is available). The
// returned function flushes and stops it.
func SetupTracing(serviceName string, w io.Writer) (func(context.Context) error, error) {
	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize stdouttrace exporter: %w", err)
	}
	res, err := newResource(serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to build tracing resource: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider.Shutdown, nil
}

// Metrics couples the otel meter provider with the Prometheus registry it
// exports to
type Metrics struct {
	Provider *metric.MeterProvider
	registry *prometheus.Registry
}

// SetupPrometheusMetrics installs a global meter provider backed by a
// dedicated Prometheus registry. Serve Handler on the HTTP router.
func SetupPrometheusMetrics(serviceName string) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exp, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize prometheus exporter: %w", err)
	}
	res, err := newResource(serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to build metrics resource: %w", err)
	}

	mp := metric.NewMeterProvider(metric.WithReader(exp), metric.WithResource(res))
	otel.SetMeterProvider(mp)
	return &Metrics{Provider: mp, registry: registry}, nil
}

// Handler serves the Prometheus scrape endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.Provider.Shutdown(ctx)
}
