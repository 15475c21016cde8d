// Package telemetry wires up distributed tracing for forge: a tracer
// provider exporting spans over OTLP/gRPC, plus thin span-scoped helpers
// for wrapping a run or a single target build (the orchestrator and
// drivers do not call them).
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/forgebay/forge/internal/model"
)

// ShutdownFunc flushes and releases the resources Init created.
type ShutdownFunc func(context.Context) error

// Config controls the OTLP exporter. An empty Endpoint disables
// telemetry entirely and Init returns a no-op provider.
type Config struct {
	Endpoint       string
	Insecure       bool
	TimeoutSeconds int
}

// Init sets up the global tracer provider. When cfg.Endpoint is empty,
// traces are recorded against a no-op exporter so instrumentation call
// sites never need a "is telemetry on" branch.
func Init(ctx context.Context, serviceVersion string, cfg Config) (ShutdownFunc, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("forge"),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if cfg.Endpoint == "" {
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	}

	timeout := 10 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	// The exporter's own gRPC transport is instrumented with otelgrpc so
	// exporter-side retries/latency show up in the same backend forge
	// reports to, rather than being a blind spot.
	dialOpts := []grpc.DialOption{grpc.WithStatsHandler(otelgrpc.NewClientHandler())}
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(timeout),
		otlptracegrpc.WithDialOption(dialOpts...),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// Tracer is forge's package-scoped tracer handle.
func Tracer() trace.Tracer { return otel.Tracer("github.com/forgebay/forge") }

// StartRun opens a span covering one Orchestrate invocation.
func StartRun(ctx context.Context, toolID, version, runID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "orchestrate_run", trace.WithAttributes(
		attribute.String("forge.tool", toolID),
		attribute.String("forge.version", version),
		attribute.String("forge.run_id", runID),
	))
}

// StartTarget opens a span covering one target's drive-build-place cycle.
func StartTarget(ctx context.Context, platform model.Platform, host string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "drive_target", trace.WithAttributes(
		attribute.String("forge.platform", string(platform)),
		attribute.String("forge.host", host),
	))
}

// RecordOutcome annotates span with a target or run's terminal status and
// records err (if any) against it without ending the span.
func RecordOutcome(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("forge.status", status))
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("forge.error_kind", string(model.KindOf(err))))
}
