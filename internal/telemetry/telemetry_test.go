package telemetry

import (
	"context"
	"os"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/forgebay/forge/internal/model"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "test", Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

// TestRecordOutcomeSetsErrorKindAttribute exercises RecordOutcome against a
// real span from an in-memory tracer provider so the attribute set lands on
// a span a test can inspect, without an OTLP collector.
func TestRecordOutcomeSetsErrorKindAttribute(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "drive_target")
	RecordOutcome(span, string(model.HostFailed), model.NewError(model.ErrBuildFailure, "compile failed"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(spans))
	}
	var sawStatus, sawKind bool
	for _, kv := range spans[0].Attributes() {
		switch string(kv.Key) {
		case "forge.status":
			sawStatus = kv.Value.AsString() == string(model.HostFailed)
		case "forge.error_kind":
			sawKind = kv.Value.AsString() == string(model.ErrBuildFailure)
		}
	}
	if !sawStatus || !sawKind {
		t.Fatalf("expected forge.status and forge.error_kind attributes, got %+v", spans[0].Attributes())
	}
	if len(spans[0].Events()) == 0 {
		t.Fatal("expected RecordError to add a span event")
	}
}

func TestRecordOutcomeWithoutErrorDoesNotRecordEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "drive_target")
	RecordOutcome(span, string(model.HostCompleted), nil)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(spans))
	}
	if len(spans[0].Events()) != 0 {
		t.Fatalf("expected no events for a nil error, got %d", len(spans[0].Events()))
	}
}

func TestStartTargetSetsPlatformAndHostAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	ctx, span := StartTarget(context.Background(), model.Platform("linux/amd64"), "host-1")
	if ctx == nil {
		t.Fatal("expected a non-nil context")
	}
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(spans))
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["forge.platform"] != "linux/amd64" || attrs["forge.host"] != "host-1" {
		t.Fatalf("expected forge.platform and forge.host attributes, got %+v", spans[0].Attributes())
	}
}

// TestInitOTLPSmoke is an opt-in smoke test against a real collector,
// following the pack's own pattern of env-gated OTLP smoke tests.
func TestInitOTLPSmoke(t *testing.T) {
	if os.Getenv("FORGE_OTLP_SMOKE_TEST") != "1" {
		t.Skip("set FORGE_OTLP_SMOKE_TEST=1 to run")
	}
	endpoint := os.Getenv("FORGE_OTLP_ENDPOINT")
	if endpoint == "" {
		t.Skip("set FORGE_OTLP_ENDPOINT for the OTLP smoke test")
	}

	shutdown, err := Init(context.Background(), "smoke-test", Config{Endpoint: endpoint, Insecure: true})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, span := StartRun(context.Background(), "widget", "1.0.0", "run-smoke")
	RecordOutcome(span, string(model.RunCompleted), nil)
	span.End()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
