package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the OpenTelemetry tracer name.
	TracerName = "sandgate"
)

// LifecycleOp names a sandbox lifecycle operation being traced.
type LifecycleOp string

const (
	OpProvision LifecycleOp = "provision"
	OpSnapshot  LifecycleOp = "snapshot"
	OpMigrate   LifecycleOp = "migrate"
	OpPark      LifecycleOp = "park"
	OpTerminate LifecycleOp = "terminate"
	OpExec      LifecycleOp = "exec"
)

func (o LifecycleOp) String() string {
	return string(o)
}

// TraceLifecycle starts a span for a sandbox lifecycle operation.
func TraceLifecycle(ctx context.Context, op LifecycleOp, sessionID string, extra map[string]string) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)

	attrs := []attribute.KeyValue{
		attribute.String("session.id", sessionID),
		attribute.String("operation.type", string(op)),
	}
	for k, v := range extra {
		attrs = append(attrs, attribute.String("operation."+k, v))
	}

	ctx, span := tracer.Start(ctx, op.String(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	return ctx, span
}

// RecordSandbox records the sandbox and snapshot an operation settled on.
func RecordSandbox(span trace.Span, sandboxID, snapshotID string) {
	if sandboxID != "" {
		span.SetAttributes(attribute.String("sandbox.id", sandboxID))
	}
	if snapshotID != "" {
		span.SetAttributes(attribute.String("snapshot.id", snapshotID))
	}
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// ExtractTraceID extracts the trace ID from a context.
func ExtractTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// ExtractSpanID extracts the span ID from a context.
func ExtractSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}
