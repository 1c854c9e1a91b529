package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName   = "github.com/onnwee/vidcredit"
	dbInstrumentationName = "github.com/onnwee/vidcredit/db"
)

// DBOperation is the db.operation attribute of a storage span.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	DBOperationDelete DBOperation = "delete"
	DBOperationExec   DBOperation = "exec"
	// DBOperationTx wraps a whole transaction.
	DBOperationTx DBOperation = "transaction"
)

// Span attribute keys shared across packages.
const (
	AttrAccountID    = attribute.Key("vidcredit.account_id")
	AttrGenerationID = attribute.Key("vidcredit.generation_id")
	AttrPurchaseID   = attribute.Key("vidcredit.purchase_id")
	AttrProvider     = attribute.Key("vidcredit.webhook.provider")
	AttrEventID      = attribute.Key("vidcredit.webhook.event_id")
	AttrOutcome      = attribute.Key("vidcredit.outcome")
)

// StartDBSpan starts a client span for a Postgres call. The returned func
// records err, if any, and ends the span.
//
//	ctx, endSpan := tracing.StartDBSpan(ctx, "credit_transactions", tracing.DBOperationInsert)
//	defer func() { endSpan(err) }()
func StartDBSpan(ctx context.Context, table string, op DBOperation) (context.Context, func(error)) {
	name := string(op)
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", string(op)),
	}
	if table != "" {
		name += " " + table
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}
	ctx, span := otel.Tracer(dbInstrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, ender(span)
}

// StartSpan starts an internal span, e.g. "ledger.consume_credits".
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, ender(span)
}

func ender(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the span in ctx, if any.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the span in ctx, if any.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
