// Package telemetry bootstraps the process-wide OpenTelemetry tracer and
// meter providers, exporting via OTLP/HTTP the same way the reference
// telemetry provider does.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the tracer and meter providers for one process and exports
// both over OTLP/HTTP on a shared endpoint.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter

	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider

	shutdownOnce sync.Once
}

// New builds a Provider for serviceName, exporting to endpoint (an
// OTLP/HTTP collector address, e.g. "localhost:4318"). The address
// "localhost:4317" (the gRPC default) is rewritten to "localhost:4318" since
// only the HTTP exporters are wired here; other addresses are used as given.
func New(ctx context.Context, serviceName, serviceVersion, endpoint string) (*Provider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("telemetry: service name is required")
	}
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	if endpoint == "localhost:4317" {
		endpoint = "localhost:4318"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
	)

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		tracer:         tp.Tracer(serviceName),
		meter:          mp.Meter(serviceName),
		traceProvider:  tp,
		metricProvider: mp,
	}, nil
}

// Tracer returns the process tracer, for components that start spans
// around dispatch, saga steps, or sandbox execution.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the process meter, passed to store/queue/workerpool/
// autoscaler constructors that accept one for histogram/counter
// instrumentation.
func (p *Provider) Meter() metric.Meter { return p.meter }

// Shutdown flushes and closes both providers. Idempotent.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		var errs []error
		if shutdownErr := p.tracerProviderShutdown(ctx); shutdownErr != nil {
			errs = append(errs, shutdownErr)
		}
		if shutdownErr := p.metricProvider.Shutdown(ctx); shutdownErr != nil {
			errs = append(errs, shutdownErr)
		}
		if len(errs) > 0 {
			err = fmt.Errorf("telemetry: shutdown errors: %v", errs)
		}
	})
	return err
}

func (p *Provider) tracerProviderShutdown(ctx context.Context) error {
	if p.traceProvider == nil {
		return nil
	}
	return p.traceProvider.Shutdown(ctx)
}
