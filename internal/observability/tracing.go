package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// InitTracing wires the global OpenTelemetry tracer provider so that
// sync sessions and snapshot transfers can be followed across peers.
// The returned shutdown func flushes pending spans; call it before
// node shutdown.
func InitTracing(ctx context.Context, endpoint string, serviceName string) (*trace.TracerProvider, func() error, error) {
	// With no collector endpoint configured, spans are recorded into a
	// provider with no exporter and dropped. Keeps call sites unconditional.
	if endpoint == "" {
		return trace.NewTracerProvider(), func() error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	// TraceContext lets trace IDs ride along session correlation IDs
	// when they cross peer boundaries.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, func() error {
		return tp.Shutdown(ctx)
	}, nil
}
