// Package otel configures the OpenTelemetry SDK for sand: OTLP push of
// traces and metrics, an optional stdout mirror, and a Prometheus reader
// backing the /metrics endpoint.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/sand/internal/buildinfo"
)

// ServiceName is reported as service.name on every signal.
const ServiceName = "sand"

const (
	spanBatchTimeout = time.Second
	pushInterval     = 10 * time.Second
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled turns on OTLP/HTTP push of traces and metrics.
	Enabled bool

	// Endpoint is the OTLP collector address, e.g. "localhost:4318".
	// Empty defers to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string

	// Insecure sends OTLP over plain HTTP.
	Insecure bool

	// StdOut mirrors spans and metrics to stdout.
	StdOut bool

	// Registerer, when set, receives the collector of a Prometheus
	// reader.  Serving it over HTTP is up to the caller.
	Registerer prometheus.Registerer
}

// TracesEnabled reports whether any span exporter is configured.
func (c Config) TracesEnabled() bool {
	return c.Enabled || c.StdOut
}

// MetricsEnabled reports whether any metric reader is configured.
func (c Config) MetricsEnabled() bool {
	return c.Enabled || c.StdOut || c.Registerer != nil
}

// SetupOTelSDK installs the global tracer and meter providers and returns
// a shutdown function that flushes them.  With nothing enabled the
// globals stay no-op and shutdown does nothing.
func SetupOTelSDK(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	var closers []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			err = errors.Join(err, closers[i](ctx))
		}
		closers = nil
		return err
	}
	fail := func(err error) (func(context.Context) error, error) {
		return shutdown, errors.Join(err, shutdown(ctx))
	}

	res, err := newResource()
	if err != nil {
		return fail(fmt.Errorf("building otel resource: %w", err))
	}

	if cfg.TracesEnabled() {
		exporters, err := spanExporters(ctx, cfg)
		if err != nil {
			return fail(fmt.Errorf("creating span exporters: %w", err))
		}
		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		for _, exp := range exporters {
			opts = append(opts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(spanBatchTimeout)))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		closers = append(closers, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled() {
		readers, err := metricReaders(ctx, cfg)
		if err != nil {
			return fail(fmt.Errorf("creating metric readers: %w", err))
		}
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		for _, r := range readers {
			opts = append(opts, sdkmetric.WithReader(r))
		}
		mp := sdkmetric.NewMeterProvider(opts...)
		closers = append(closers, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return shutdown, nil
}

func newResource() (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
}

func spanExporters(ctx context.Context, cfg Config) ([]sdktrace.SpanExporter, error) {
	var out []sdktrace.SpanExporter
	if cfg.Enabled {
		var opts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	if cfg.StdOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, nil
}

func metricReaders(ctx context.Context, cfg Config) ([]sdkmetric.Reader, error) {
	var out []sdkmetric.Reader
	if cfg.Enabled {
		var opts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(pushInterval)))
	}
	if cfg.StdOut {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		out = append(out, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(pushInterval)))
	}
	if cfg.Registerer != nil {
		exp, err := promexporter.New(promexporter.WithRegisterer(cfg.Registerer))
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		out = append(out, exp)
	}
	return out, nil
}
