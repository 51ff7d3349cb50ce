package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span names.
const (
	SpanBatchRun     = "batch.run"
	SpanExecutionRun = "execution.run"
	SpanStepExecute  = "step.execute"
)

// Span attribute keys.
const (
	AttrBatchID     = "batch.id"
	AttrTemplateID  = "template.id"
	AttrInputCount  = "batch.input_count"
	AttrBatchStatus = "batch.status"

	AttrExecutionID     = "execution.id"
	AttrInputID         = "input.id"
	AttrExecutionStatus = "execution.status"

	AttrStepID       = "step.id"
	AttrStepOp       = "step.operation"
	AttrStepAttempts = "step.attempts"
	AttrStepStatus   = "step.status"

	AttrErrorMessage = "error.message"
)

// Event names.
const (
	EventBatchCancelled = "batch.cancelled"
	EventStepRetry      = "step.retry"
)

// OrNoop returns t, or a no-op tracer when t is nil.
func OrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("noop")
	}
	return t
}

// StartBatch opens the batch.run span.
func StartBatch(ctx context.Context, t trace.Tracer, batchID, templateID string, inputs int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanBatchRun,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrBatchID, batchID),
			attribute.String(AttrTemplateID, templateID),
			attribute.Int(AttrInputCount, inputs),
		),
	)
}

// StartExecution opens the execution.run span.
func StartExecution(ctx context.Context, t trace.Tracer, executionID, inputID, templateID string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanExecutionRun,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrExecutionID, executionID),
			attribute.String(AttrInputID, inputID),
			attribute.String(AttrTemplateID, templateID),
		),
	)
}

// StartStep opens the step.execute span.
func StartStep(ctx context.Context, t trace.Tracer, stepID, operation string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanStepExecute,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrStepID, stepID),
			attribute.String(AttrStepOp, operation),
		),
	)
}

// End records the outcome on span and ends it. A nil err marks it OK.
func End(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
