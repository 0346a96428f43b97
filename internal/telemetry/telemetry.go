// Package telemetry wires the broker's cross-cutting tracing: one span per
// session execution and one child span per tool call, exported over
// OTLP/gRPC when an endpoint is configured and a no-op tracer otherwise.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/sandboxbroker/broker"

// Provider owns the process-wide tracer provider and its shutdown hook.
type Provider struct {
	tp       *sdktrace.TracerProvider
	shutdown func(context.Context) error
}

// Setup configures tracing. With an empty endpoint it installs a no-op
// tracer provider (otel's default), so every call site below is always
// safe to use regardless of whether tracing is enabled.
func Setup(ctx context.Context, endpoint, serviceVersion string) (*Provider, error) {
	if endpoint == "" {
		return &Provider{shutdown: func(context.Context) error { return nil }}, nil
	}

	client := otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("sandboxbroker"),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
}

// Shutdown flushes and stops the tracer provider, if one was installed.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// StartSessionSpan starts the top-level span for one session execution.
func StartSessionSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session.execute",
		trace.WithAttributes(attribute.String("sandboxbroker.session_id", sessionID)))
}

// StartToolCallSpan starts a child span for one tool invocation.
func StartToolCallSpan(ctx context.Context, sessionID, callID, toolName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session.tool_call",
		trace.WithAttributes(
			attribute.String("sandboxbroker.session_id", sessionID),
			attribute.String("sandboxbroker.call_id", callID),
			attribute.String("sandboxbroker.tool_name", toolName),
		))
}

// EndWithError records err on span (if non-nil) and ends it.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordDuration is a small helper for call sites that already have a
// start time and want a duration attribute instead of relying on span
// timestamps alone (useful once spans are sampled out but metrics remain).
func RecordDuration(span trace.Span, start time.Time) {
	span.SetAttributes(attribute.Int64("sandboxbroker.duration_ms", time.Since(start).Milliseconds()))
}
