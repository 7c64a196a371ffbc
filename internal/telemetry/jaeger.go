package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

/*
TRACING

Both binaries (the sync daemon and the relay) export spans to Jaeger:

  connect / flush / dispatch / relay message → OpenTelemetry SDK → Jaeger exporter → collector

An empty endpoint leaves the global no-op provider in place, so spans
created through middleware.StartSpan cost nothing on devices without a
collector.
*/

// ShutdownFunc flushes buffered spans.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// InitJaeger installs a global tracer provider exporting to jaegerEndpoint.
// The returned function must be called on shutdown.
func InitJaeger(serviceName, version, jaegerEndpoint string, log *zap.SugaredLogger) (ShutdownFunc, error) {
	if jaegerEndpoint == "" {
		log.Debug("Jaeger endpoint not set, tracing disabled")
		return noopShutdown, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return noopShutdown, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return noopShutdown, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)

	log.Infow("Jaeger tracing initialized", "endpoint", jaegerEndpoint, "service", serviceName)

	return tp.Shutdown, nil
}
