// Package otel configures the OpenTelemetry SDK for the pool daemon:
// OTLP push for traces and metrics, optional stdout mirrors for
// debugging, and an optional Prometheus reader backing the local
// /metrics listener.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/terrpan/vmpool/internal/buildinfo"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled controls whether OTLP push (traces + metrics) is active.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool

	// MetricsPort, when > 0, adds a Prometheus reader so the daemon's
	// /metrics endpoint has something to serve. The HTTP listener itself
	// is owned by main.
	MetricsPort int
}

// Setup installs the global tracer and meter providers and returns a
// shutdown function that flushes them. Call once at startup; without it
// the instrumentation in the pool packages falls back to no-op
// providers.
func Setup(ctx context.Context, serviceName string, cfg Config) (func(context.Context) error, error) {
	var shutdowns []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdowns {
			err = errors.Join(err, fn(ctx))
		}
		shutdowns = nil
		return err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	// Traces only flow when OTLP push is on.
	if cfg.Enabled {
		tp, err := traceProvider(ctx, res, cfg)
		if err != nil {
			return nil, errors.Join(err, shutdown(ctx))
		}
		shutdowns = append(shutdowns, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	// Metrics flow for OTLP push, for the Prometheus listener, or both.
	if cfg.Enabled || cfg.MetricsPort > 0 {
		mp, err := meterProvider(ctx, res, cfg)
		if err != nil {
			return nil, errors.Join(err, shutdown(ctx))
		}
		shutdowns = append(shutdowns, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return shutdown, nil
}

func traceProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	opts := []otlptracehttp.Option{}
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

	tpOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)),
	}
	if cfg.StdOut {
		stdout, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, trace.WithBatcher(stdout, trace.WithBatchTimeout(time.Second)))
	}

	return trace.NewTracerProvider(tpOpts...), nil
}

func meterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*metric.MeterProvider, error) {
	mpOpts := []metric.Option{metric.WithResource(res)}

	if cfg.Enabled {
		opts := []otlpmetrichttp.Option{}
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
		mpOpts = append(mpOpts, metric.WithReader(
			metric.NewPeriodicReader(exp, metric.WithInterval(10*time.Second))))
	}

	if cfg.StdOut {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		mpOpts = append(mpOpts, metric.WithReader(
			metric.NewPeriodicReader(exp, metric.WithInterval(10*time.Second))))
	}

	// Prometheus reader feeding the default registry, scraped via the
	// /metrics listener.
	if cfg.MetricsPort > 0 {
		reader, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		mpOpts = append(mpOpts, metric.WithReader(reader))
	}

	return metric.NewMeterProvider(mpOpts...), nil
}
