package telemetry

import (
	"context"
	"testing"
)

func TestTraceContext_NewAndChild(t *testing.T) {
	root := NewTraceContext()

	if root.TraceID == "" {
		t.Error("expected non-empty TraceID")
	}
	if root.SpanID == "" {
		t.Error("expected non-empty SpanID")
	}
	if root.ParentID != "" {
		t.Error("expected empty ParentID for root")
	}

	child := root.ChildSpan()
	if child.TraceID != root.TraceID {
		t.Error("child should inherit TraceID")
	}
	if child.ParentID != root.SpanID {
		t.Error("child ParentID should be parent's SpanID")
	}
	if child.SpanID == root.SpanID {
		t.Error("child should have a different SpanID")
	}
}

func TestTraceContext_WithSessionJob(t *testing.T) {
	tc := NewTraceContext()
	withSession := tc.WithSession("u1", "s1")
	withJob := withSession.WithJob("s1:v1")

	if withSession.UserID != "u1" || withSession.SessionID != "s1" {
		t.Errorf("expected u1/s1, got %q/%q", withSession.UserID, withSession.SessionID)
	}
	if withJob.JobID != "s1:v1" {
		t.Errorf("expected job 's1:v1', got %q", withJob.JobID)
	}
	// Original unchanged
	if tc.UserID != "" || tc.SessionID != "" {
		t.Error("original should not be modified")
	}

	// Session propagates into child spans
	child := withSession.ChildSpan()
	if child.UserID != "u1" || child.SessionID != "s1" {
		t.Error("child span should inherit user and session")
	}
}

func TestTraceContext_Fields(t *testing.T) {
	tc := NewTraceContext().WithSession("u1", "s1").WithJob("s1:v2")
	fields := tc.Fields()

	if fields["user"] != "u1" {
		t.Errorf("expected user field 'u1', got %v", fields["user"])
	}
	if fields["session"] != "s1" {
		t.Errorf("expected session field 's1', got %v", fields["session"])
	}
	if fields["job"] != "s1:v2" {
		t.Errorf("expected job field 's1:v2', got %v", fields["job"])
	}
	if fields["trace_id"] == "" {
		t.Error("expected trace_id field")
	}
}

func TestContextWithTrace_RoundTrip(t *testing.T) {
	tc := NewTraceContext()
	ctx := ContextWithTrace(context.Background(), tc)

	got := TraceFromContext(ctx)
	if got != tc {
		t.Error("expected same TraceContext back from context")
	}

	if TraceFromContext(context.Background()) != nil {
		t.Error("expected nil for context without trace")
	}
}
