package otel

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandgate/sandgate/pkg/types"
)

// convertToLogRecord converts a client event to an OTEL log record.
func convertToLogRecord(ev types.ClientEvent) otellog.Record {
	var rec otellog.Record

	rec.SetTimestamp(ev.Timestamp)
	rec.SetObservedTimestamp(ev.Timestamp)
	rec.SetBody(otellog.StringValue(eventSummary(ev)))
	rec.SetSeverity(eventSeverity(ev))
	rec.SetSeverityText(eventSeverity(ev).String())

	attrs := []otellog.KeyValue{
		otellog.String("sandgate.event.id", ev.ID),
		otellog.String("sandgate.event.type", ev.Type),
		otellog.String("sandgate.session.id", ev.SessionID),
	}
	if ev.MessageID != "" {
		attrs = append(attrs, otellog.String("sandgate.message.id", ev.MessageID))
	}
	if ev.PartID != "" {
		attrs = append(attrs, otellog.String("sandgate.part.id", ev.PartID))
	}
	if ev.Tool != "" {
		attrs = append(attrs, otellog.String("sandgate.tool", ev.Tool))
	}
	if ev.Status != "" {
		attrs = append(attrs, otellog.String("sandgate.status", ev.Status))
	}
	if ev.Message != "" {
		attrs = append(attrs, otellog.String("sandgate.message", ev.Message))
	}
	rec.AddAttributes(attrs...)

	return rec
}

// eventSummary builds a short human-readable body for the record.
func eventSummary(ev types.ClientEvent) string {
	switch ev.Type {
	case types.EventToolStart, types.EventToolMetadata, types.EventToolEnd:
		if ev.Tool != "" {
			return fmt.Sprintf("%s %s (%s)", ev.Type, ev.Tool, ev.Status)
		}
	case types.EventError:
		if ev.Message != "" {
			return fmt.Sprintf("%s: %s", ev.Type, ev.Message)
		}
	case types.EventStatus:
		if ev.Status != "" {
			return fmt.Sprintf("%s: %s", ev.Type, ev.Status)
		}
	}
	return ev.Type
}

// eventSeverity maps event types to log severities. Tool failures are
// warnings; explicit error events are errors; everything else informational.
func eventSeverity(ev types.ClientEvent) otellog.Severity {
	switch {
	case ev.Type == types.EventError:
		return otellog.SeverityError
	case ev.Type == types.EventToolEnd && ev.Status == "error":
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}

// eventContext returns a context carrying a span context when the event's
// Fields include trace_id and span_id, so records correlate with traces.
func eventContext(ctx context.Context, ev types.ClientEvent) context.Context {
	traceID, hasTrace := extractTraceID(ev)
	spanID, hasSpan := extractSpanID(ev)
	if !hasTrace && !hasSpan {
		return ctx
	}

	cfg := trace.SpanContextConfig{TraceFlags: trace.FlagsSampled}
	if hasTrace {
		cfg.TraceID = traceID
	}
	if hasSpan {
		cfg.SpanID = spanID
	}
	if s, ok := ev.Fields["trace_flags"].(string); ok {
		if b, err := hex.DecodeString(s); err == nil && len(b) == 1 {
			cfg.TraceFlags = trace.TraceFlags(b[0])
		}
	}
	sc := trace.NewSpanContext(cfg)
	return trace.ContextWithSpanContext(ctx, sc)
}

// extractTraceID parses a 32-hex-character trace ID from event fields.
func extractTraceID(ev types.ClientEvent) (trace.TraceID, bool) {
	if ev.Fields == nil {
		return trace.TraceID{}, false
	}
	s, ok := ev.Fields["trace_id"].(string)
	if !ok || s == "" {
		return trace.TraceID{}, false
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return trace.TraceID{}, false
	}
	var tid trace.TraceID
	copy(tid[:], b)
	return tid, true
}

// extractSpanID parses a 16-hex-character span ID from event fields.
func extractSpanID(ev types.ClientEvent) (trace.SpanID, bool) {
	if ev.Fields == nil {
		return trace.SpanID{}, false
	}
	s, ok := ev.Fields["span_id"].(string)
	if !ok || s == "" {
		return trace.SpanID{}, false
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return trace.SpanID{}, false
	}
	var sid trace.SpanID
	copy(sid[:], b)
	return sid, true
}

// BuildResource constructs an OTEL resource describing this gateway
// instance. Extra attributes are merged after the service name.
func BuildResource(serviceName string, extraAttrs map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}
	for k, v := range extraAttrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(
		context.Background(),
		resource.WithAttributes(kvs...),
	)
	return res
}
