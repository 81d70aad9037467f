// Package traces wires OpenTelemetry spans around settlement operations.
package traces

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/agentmarket"

// Version is reported as service.version on every span.
var Version = "0.1.0"

// Init installs a global tracer provider exporting over OTLP/gRPC to
// endpoint. With no endpoint spans are dropped by the default no-op
// provider. The returned func flushes and stops the exporter.
func Init(ctx context.Context, endpoint, service string, logger *slog.Logger) (func(context.Context) error, error) {
	if endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT unset")
		return func(context.Context) error { return nil }, nil
	}
	if service == "" {
		service = "agentmarket"
	}

	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(service), semconv.ServiceVersion(Version)),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("tracing enabled", "endpoint", endpoint, "service", service)
	return tp.Shutdown, nil
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// End records err on the span (if any) and ends it.
//
//	ctx, span := traces.StartSpan(ctx, "request.Approve", traces.RequestID(id))
//	defer func() { traces.End(span, err) }()
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Span attributes.

func Actor(addr string) attribute.KeyValue {
	return attribute.String("actor.addr", addr)
}

func AgentAddr(addr string) attribute.KeyValue {
	return attribute.String("agent.addr", addr)
}

func Amount(amount uint64) attribute.KeyValue {
	return attribute.String("amount", strconv.FormatUint(amount, 10))
}

func RequestID(id string) attribute.KeyValue {
	return attribute.String("request.id", id)
}

func ConfigID(id string) attribute.KeyValue {
	return attribute.String("royalty.config_id", id)
}

func RatingID(id string) attribute.KeyValue {
	return attribute.String("rating.id", id)
}
