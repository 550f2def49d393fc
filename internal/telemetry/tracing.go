package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InitTracing configures the global OTel tracer provider: an OTLP/gRPC
// exporter to otlpEndpoint when set, else a stdout exporter for local
// development, matching the teacher's own exporter-type switch in
// pkg/observability/tracer.go.
func InitTracing(serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	ctx := context.Background()

	var exp sdktrace.SpanExporter
	if otlpEndpoint != "" {
		otlpExp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(otlpEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("building otlp trace exporter: %w", err)
		}
		exp = otlpExp
	} else {
		stdoutExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("building stdout trace exporter: %w", err)
		}
		exp = stdoutExp
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer is the engine-wide tracer used to open step spans.
func Tracer() trace.Tracer {
	return otel.Tracer("familyledger/core")
}

// StartStep opens a span named step.<name> tagged with trace_id, per
// spec.md §4.1.
func StartStep(ctx context.Context, traceID, name string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "step."+name)
	span.SetAttributes(attribute.String("trace_id", traceID))
	return ctx, span
}
