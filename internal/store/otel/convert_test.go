package otel

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandgate/sandgate/pkg/types"
)

func TestConvertToLogRecord_BasicFields(t *testing.T) {
	ev := types.ClientEvent{
		ID:        "evt-123",
		Timestamp: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		Type:      types.EventToolEnd,
		SessionID: "sess-abc",
		MessageID: "msg-1",
		PartID:    "prt-1",
		Tool:      "bash",
		Status:    "completed",
	}

	rec := convertToLogRecord(ev)

	if !rec.Timestamp().Equal(ev.Timestamp) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp(), ev.Timestamp)
	}

	body := rec.Body()
	if body.Kind() != otellog.KindString {
		t.Fatalf("body kind = %v, want String", body.Kind())
	}
	want := "tool_end bash (completed)"
	if body.AsString() != want {
		t.Errorf("body = %q, want %q", body.AsString(), want)
	}

	if rec.Severity() != otellog.SeverityInfo {
		t.Errorf("severity = %v, want INFO", rec.Severity())
	}
}

func TestConvertToLogRecord_Severity(t *testing.T) {
	tests := []struct {
		name string
		ev   types.ClientEvent
		want otellog.Severity
	}{
		{
			name: "error event",
			ev:   types.ClientEvent{Type: types.EventError, Message: "boom"},
			want: otellog.SeverityError,
		},
		{
			name: "failed tool",
			ev:   types.ClientEvent{Type: types.EventToolEnd, Tool: "bash", Status: "error"},
			want: otellog.SeverityWarn,
		},
		{
			name: "completed tool",
			ev:   types.ClientEvent{Type: types.EventToolEnd, Tool: "bash", Status: "completed"},
			want: otellog.SeverityInfo,
		},
		{
			name: "token",
			ev:   types.ClientEvent{Type: types.EventToken, Delta: "hi"},
			want: otellog.SeverityInfo,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := convertToLogRecord(tt.ev)
			if rec.Severity() != tt.want {
				t.Errorf("severity = %v, want %v", rec.Severity(), tt.want)
			}
		})
	}
}

func TestConvertToLogRecord_Attributes(t *testing.T) {
	ev := types.ClientEvent{
		ID:        "evt-1",
		Timestamp: time.Now(),
		Type:      types.EventToolStart,
		SessionID: "sess-1",
		MessageID: "msg-1",
		PartID:    "prt-1",
		Tool:      "edit",
		Status:    "running",
	}

	rec := convertToLogRecord(ev)
	attrs := logRecordAttrs(rec)

	assertAttr(t, attrs, "sandgate.event.id", "evt-1")
	assertAttr(t, attrs, "sandgate.event.type", "tool_start")
	assertAttr(t, attrs, "sandgate.session.id", "sess-1")
	assertAttr(t, attrs, "sandgate.message.id", "msg-1")
	assertAttr(t, attrs, "sandgate.part.id", "prt-1")
	assertAttr(t, attrs, "sandgate.tool", "edit")
	assertAttr(t, attrs, "sandgate.status", "running")
}

func TestConvertToLogRecord_OptionalFieldsOmitted(t *testing.T) {
	ev := types.ClientEvent{
		Timestamp: time.Now(),
		Type:      types.EventToken,
		SessionID: "s",
		Delta:     "word",
	}

	rec := convertToLogRecord(ev)
	attrs := logRecordAttrs(rec)

	if _, ok := attrs["sandgate.tool"]; ok {
		t.Error("unexpected attribute sandgate.tool on a token event")
	}
	if _, ok := attrs["sandgate.message.id"]; ok {
		t.Error("unexpected attribute sandgate.message.id when unset")
	}
}

func TestEventContext_WithTraceCorrelation(t *testing.T) {
	ev := types.ClientEvent{
		Timestamp: time.Now(),
		Type:      types.EventToolEnd,
		SessionID: "s",
		Fields: map[string]any{
			"trace_id": "0af7651916cd43dd8448eb211c80319c",
			"span_id":  "b7ad6b7169203331",
		},
	}

	ctx := eventContext(context.Background(), ev)
	sc := trace.SpanContextFromContext(ctx)

	if sc.TraceID().String() != "0af7651916cd43dd8448eb211c80319c" {
		t.Errorf("trace_id = %q", sc.TraceID().String())
	}
	if sc.SpanID().String() != "b7ad6b7169203331" {
		t.Errorf("span_id = %q", sc.SpanID().String())
	}
	// Without explicit trace_flags, should default to sampled
	if !sc.IsSampled() {
		t.Error("expected sampled flag when trace_flags absent")
	}
}

func TestEventContext_TraceFlags_Unsampled(t *testing.T) {
	ev := types.ClientEvent{
		Timestamp: time.Now(),
		Type:      types.EventToolEnd,
		SessionID: "s",
		Fields: map[string]any{
			"trace_id":    "0af7651916cd43dd8448eb211c80319c",
			"span_id":     "b7ad6b7169203331",
			"trace_flags": "00",
		},
	}

	ctx := eventContext(context.Background(), ev)
	sc := trace.SpanContextFromContext(ctx)

	if sc.IsSampled() {
		t.Error("expected unsampled for trace_flags=00")
	}
}

func TestEventContext_NoTraceFields(t *testing.T) {
	ev := types.ClientEvent{
		Timestamp: time.Now(),
		Type:      types.EventToken,
		SessionID: "s",
	}

	ctx := eventContext(context.Background(), ev)
	sc := trace.SpanContextFromContext(ctx)

	if sc.HasTraceID() {
		t.Error("expected no trace ID when fields are absent")
	}
}

func TestEventContext_InvalidTraceID(t *testing.T) {
	tests := []struct {
		name    string
		traceID string
	}{
		{"too short", "0af765"},
		{"invalid hex", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := types.ClientEvent{
				Timestamp: time.Now(),
				Type:      types.EventToken,
				SessionID: "s",
				Fields:    map[string]any{"trace_id": tt.traceID},
			}

			ctx := eventContext(context.Background(), ev)
			sc := trace.SpanContextFromContext(ctx)
			if sc.HasTraceID() {
				t.Error("expected no trace ID for invalid input")
			}
		})
	}
}

func TestBuildResource(t *testing.T) {
	res := BuildResource("my-gateway", map[string]string{"env": "prod"})

	attrs := res.Attributes()
	found := map[string]string{}
	for _, a := range attrs {
		if a.Value.Type() == attribute.STRING {
			found[string(a.Key)] = a.Value.AsString()
		}
	}

	if found["service.name"] != "my-gateway" {
		t.Errorf("service.name = %q, want %q", found["service.name"], "my-gateway")
	}
	if found["env"] != "prod" {
		t.Errorf("env = %q, want %q", found["env"], "prod")
	}
}

// logRecordAttrs extracts attributes from a log record into a map keyed by
// attribute name.
func logRecordAttrs(rec otellog.Record) map[string]otellog.Value {
	m := make(map[string]otellog.Value)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		m[kv.Key] = kv.Value
		return true
	})
	return m
}

// assertAttr asserts that an attribute exists with the expected value.
func assertAttr(t *testing.T, attrs map[string]otellog.Value, key string, want string) {
	t.Helper()
	v, ok := attrs[key]
	if !ok {
		t.Errorf("missing attribute %q", key)
		return
	}
	if v.AsString() != want {
		t.Errorf("attr %q = %v, want %q", key, v, want)
	}
}
