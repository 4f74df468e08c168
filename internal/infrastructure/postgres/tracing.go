package postgres

import (
	"context"
	"errors"

	"github.com/example/es-aggregate-store/internal/es"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/example/es-aggregate-store/internal/infrastructure/postgres"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func startSpan(ctx context.Context, op, aggregate, streamID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		semconv.DBSystemPostgreSQL,
		semconv.DBOperationName(op),
		attribute.String("es.aggregate", aggregate),
		attribute.String("es.stream_id", streamID),
	)
	return tracer().Start(ctx, "es."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// endSpan records err unless it is an expected outcome of optimistic concurrency.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, es.ErrConflict) && !errors.Is(err, es.ErrStreamNotFound) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}
