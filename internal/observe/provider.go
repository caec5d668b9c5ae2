package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultServiceName = "babelrelay"

// ShutdownFunc flushes and stops the telemetry providers.
type ShutdownFunc func(context.Context) error

type providerOptions struct {
	serviceName string
	version     string
	exporter    sdktrace.SpanExporter
	sampler     sdktrace.Sampler
}

// ProviderOption configures [InitProvider].
type ProviderOption func(*providerOptions)

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(name string) ProviderOption {
	return func(o *providerOptions) { o.serviceName = name }
}

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(v string) ProviderOption {
	return func(o *providerOptions) { o.version = v }
}

// WithSpanExporter batches finished spans to exp. Without it spans are
// sampled for log correlation but never leave the process.
func WithSpanExporter(exp sdktrace.SpanExporter) ProviderOption {
	return func(o *providerOptions) { o.exporter = exp }
}

// WithSampler replaces the default parent-based always-on sampler.
func WithSampler(s sdktrace.Sampler) ProviderOption {
	return func(o *providerOptions) { o.sampler = s }
}

// InitProvider installs global meter and tracer providers plus a W3C trace
// context propagator. Metrics are exposed through the Prometheus default
// registry, so promhttp.Handler serves them.
func InitProvider(ctx context.Context, opts ...ProviderOption) (ShutdownFunc, error) {
	o := providerOptions{
		serviceName: defaultServiceName,
		sampler:     sdktrace.ParentBased(sdktrace.AlwaysSample()),
	}
	for _, fn := range opts {
		fn(&o)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(o.serviceName),
		semconv.ServiceVersion(o.version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(o.sampler),
	}
	if o.exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(o.exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		// Spans first so the final batch is not cut off by a closed meter.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
