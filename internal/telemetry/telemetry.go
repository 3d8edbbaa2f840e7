// Package telemetry wraps OpenTelemetry span helpers for the orchestration
// kernel's out-of-core operations: verification callouts and arbitration
// rounds.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	scopeName = "orchestrator"

	SpanVerify      = "orchestrator.verify"
	SpanArbitration = "orchestrator.arbitration"

	AttrTaskID     = "orchestrator.task_id"
	AttrWorkerID   = "orchestrator.worker_id"
	AttrOutcome    = "orchestrator.outcome"
	AttrConfidence = "orchestrator.confidence"
	AttrConsensus  = "orchestrator.consensus"
)

// Setup builds an OTLP/HTTP exporter and installs it as the global trace
// provider. endpoint is the collector's host:port (e.g. "localhost:4318");
// an empty endpoint leaves the default no-op tracer installed. The returned
// shutdown func flushes and closes the exporter; call it on process exit.
func Setup(ctx context.Context, endpoint string) (shutdown func(context.Context) error, err error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(scopeName)))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// StartSpan begins a span under the kernel's tracer scope with the given
// attributes attached up front.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan marks span status from err and ends it. Safe to call with a nil
// span (e.g. when tracing is disabled and a no-op tracer is installed).
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
