package hooks

import (
	"context"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingHook implements OpenTelemetry tracing as a pgx.QueryTracer
type TracingHook struct {
	tracer trace.Tracer
}

var _ pgx.QueryTracer = (*TracingHook)(nil)

// NewTracingHook creates a new tracing hook
func NewTracingHook(tracer trace.Tracer) *TracingHook {
	return &TracingHook{tracer: tracer}
}

type spanCtxKey struct{}

// TraceQueryStart is called before a query is executed
func (h *TracingHook) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if h.tracer == nil {
		return ctx
	}

	op := OperationType(data.SQL)
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.statement", truncate(data.SQL)),
		attribute.String("db.operation", op),
	}
	if conn != nil && conn.PgConn() != nil {
		attrs = append(attrs, attribute.Int64("db.postgresql.backend_pid", int64(conn.PgConn().PID())))
	}

	ctx, span := h.tracer.Start(ctx, "db."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	return context.WithValue(ctx, spanCtxKey{}, span)
}

// TraceQueryEnd is called after a query is executed
func (h *TracingHook) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span, ok := ctx.Value(spanCtxKey{}).(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}
