// Package observability wires OpenTelemetry tracing around the two
// long-running operations worth seeing end-to-end in a trace backend: a
// chat turn and an extraction run.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/koopa0/maidchat"

// Setup configures the global TracerProvider to export spans to an OTLP/HTTP
// collector at endpoint (host:port, no scheme). It returns a shutdown func
// that flushes and closes the exporter; callers should defer it and pass a
// context bounded by the process's own shutdown timeout.
//
// If endpoint is empty, tracing is disabled: the global provider stays the
// otel package's no-op default, and Start* below become zero-cost.
func Setup(ctx context.Context, serviceName, endpoint string) (shutdown func(context.Context) error, err error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: creating otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartChatTurn opens the "chat.turn" span wrapping one onWelcome/onInput
// dispatch, tagged with the identifying attributes a trace backend would
// filter a slow turn by.
func StartChatTurn(ctx context.Context, userID, maidID string, sessionID *int64) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("userId", userID),
		attribute.String("maidId", maidID),
	}
	if sessionID != nil {
		attrs = append(attrs, attribute.Int64("sessionId", *sessionID))
	}
	return tracer().Start(ctx, "chat.turn", trace.WithAttributes(attrs...))
}

// StartMemoryExtract opens the "memory.extract" span wrapping one
// ExtractionPipeline run for a user.
func StartMemoryExtract(ctx context.Context, userID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "memory.extract", trace.WithAttributes(attribute.String("userId", userID)))
}

// RecordError marks span as errored and attaches err, the idiom every
// caller that opens a span with one of the Start* helpers above should use
// in its own deferred error-handling path.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
}
