// Package telemetry wires up OpenTelemetry metrics and tracing for toriidb
// processes and exposes a Prometheus scrape endpoint for the metrics side.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Config holds the telemetry settings for a process.
type Config struct {
	// Enabled toggles the entire telemetry system on or off.
	Enabled bool `toml:"enabled"`
	// ServiceName is the name reported in traces and metric resources.
	ServiceName string `toml:"service_name"`
	// PrometheusPort, when non-zero, serves /metrics on its own listener.
	// When zero the caller mounts Handler on an HTTP server of its own.
	PrometheusPort int `toml:"prometheus_port"`
	// TraceSampleRatio is the fraction of traces to sample. Values outside
	// (0, 1] fall back to sampling everything.
	TraceSampleRatio float64 `toml:"trace_sample_ratio"`
}

// Telemetry carries the active providers and the instruments built on them.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	handler http.Handler
	promSrv *http.Server
}

// ShutdownFunc flushes and stops the telemetry providers.
type ShutdownFunc func(ctx context.Context) error

// New initializes the OpenTelemetry SDK with a Prometheus metric exporter
// and a ratio-sampled tracer provider, and installs both as the process
// globals. With Enabled false it returns no-op providers so callers can
// register instruments unconditionally.
func New(config Config) (*Telemetry, ShutdownFunc, error) {
	if !config.Enabled {
		return &Telemetry{
			Tracer:  nooptrace.NewTracerProvider().Tracer(""),
			Meter:   noop.NewMeterProvider().Meter(""),
			handler: http.NotFoundHandler(),
		}, func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Each Telemetry owns its registry so two instances in one process
	// never fight over metric registration.
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	sampleRatio := config.TraceSampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1.0
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRatio)),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	tel := &Telemetry{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Tracer:         tracerProvider.Tracer(config.ServiceName),
		Meter:          meterProvider.Meter(config.ServiceName),
		handler:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	if config.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.handler)
		tel.promSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", config.PrometheusPort),
			Handler: mux,
		}
		go func() {
			if err := tel.promSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				otel.Handle(fmt.Errorf("prometheus http server failed: %w", err))
			}
		}()
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if tel.promSrv != nil {
			if err := tel.promSrv.Shutdown(ctx); err != nil {
				return fmt.Errorf("failed to shutdown prometheus server: %w", err)
			}
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
		return nil
	}

	return tel, shutdown, nil
}

// Handler returns the Prometheus scrape handler so callers running their own
// HTTP server can mount it instead of opening a second port.
func (t *Telemetry) Handler() http.Handler {
	return t.handler
}

// Int64ObservableCounter registers a monotonic counter whose value is pulled
// from fn at collection time.
func (t *Telemetry) Int64ObservableCounter(name, desc string, fn func() int64) error {
	_, err := t.Meter.Int64ObservableCounter(name,
		metric.WithDescription(desc),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	return err
}

// Int64ObservableGauge registers a gauge whose value is pulled from fn at
// collection time.
func (t *Telemetry) Int64ObservableGauge(name, desc string, fn func() int64) error {
	_, err := t.Meter.Int64ObservableGauge(name,
		metric.WithDescription(desc),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	return err
}

// Float64ObservableCounter registers a monotonic float counter whose value is
// pulled from fn at collection time. Used for cumulative durations.
func (t *Telemetry) Float64ObservableCounter(name, desc string, fn func() float64) error {
	_, err := t.Meter.Float64ObservableCounter(name,
		metric.WithDescription(desc),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	return err
}
