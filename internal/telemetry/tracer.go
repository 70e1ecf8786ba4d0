// Package telemetry sets up OpenTelemetry tracing for the server.
package telemetry

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/tjfontaine/assistd"

// InitTracer installs a global tracer provider exporting to w (stdout when
// nil) and returns its shutdown function.
func InitTracer(serviceName string, w io.Writer, logger *slog.Logger) (func(context.Context) error, error) {
	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized", slog.String("service", serviceName))

	return tp.Shutdown, nil
}

// StreamSpan traces one chat exchange.
type StreamSpan struct {
	span trace.Span
}

// StartStream opens a span for a chat exchange. Without an installed
// provider the span is a no-op.
func StartStream(ctx context.Context, model, family string, streaming bool) (context.Context, *StreamSpan) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "chat.stream",
		trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.String("llm.family", family),
			attribute.Bool("llm.streaming", streaming),
		),
	)
	return ctx, &StreamSpan{span: span}
}

// End records the outcome and closes the span.
func (s *StreamSpan) End(status string, events, reasoningBlocks int, err error) {
	s.span.SetAttributes(
		attribute.String("chat.status", status),
		attribute.Int("chat.events", events),
		attribute.Int("chat.reasoning_blocks", reasoningBlocks),
	)
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
