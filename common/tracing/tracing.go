package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// InitTracer installs a global TracerProvider exporting spans over OTLP/gRPC
// to endpoint, and the W3C trace-context propagator used by the AMQP carrier.
//
// Usage in main.go:
//
//	shutdown, err := tracing.InitTracer("payments", "localhost:4317", log)
//	if err != nil { ... }
//	defer shutdown()
func InitTracer(serviceName, endpoint string, log *slog.Logger) (func(), error) {
	log.Info("initializing opentelemetry tracer", slog.String("endpoint", endpoint))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion("v1.0.0"),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	// Flushes pending spans; call on exit.
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Error("error shutting down tracer provider", slog.Any("error", err))
		}
	}, nil
}

// InitPropagator only installs the propagator. Used when span export is
// disabled so trace context still flows through AMQP headers.
func InitPropagator() {
	otel.SetTextMapPropagator(propagation.TraceContext{})
}
