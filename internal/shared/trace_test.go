package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected \"-\", got %q", got)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc-123")
	if got := TraceID(ctx); got != "abc-123" {
		t.Fatalf("expected abc-123, got %q", got)
	}
}

func TestTaskID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TaskID(ctx); got != "" {
		t.Fatalf("expected empty task id, got %q", got)
	}
	ctx = WithTaskID(ctx, "<msg@example.com>")
	if got := TaskID(ctx); got != "<msg@example.com>" {
		t.Fatalf("expected task id round trip, got %q", got)
	}
}

func TestLogAttrs(t *testing.T) {
	ctx := context.Background()
	attrs := LogAttrs(ctx)
	if len(attrs) != 2 || attrs[0] != "trace_id" || attrs[1] != "-" {
		t.Fatalf("expected bare trace_id attrs, got %v", attrs)
	}

	ctx = WithTraceID(ctx, "abc-123")
	ctx = WithTaskID(ctx, "<msg@example.com>")
	attrs = LogAttrs(ctx)
	if len(attrs) != 4 || attrs[1] != "abc-123" || attrs[3] != "<msg@example.com>" {
		t.Fatalf("expected full attrs, got %v", attrs)
	}
}

func TestNewTraceID_NonEmptyAndUnique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || b == "" {
		t.Fatalf("expected non-empty trace ids")
	}
	if a == b {
		t.Fatalf("expected unique trace ids, got %q twice", a)
	}
}
