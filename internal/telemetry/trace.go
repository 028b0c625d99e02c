package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type traceKey struct{}

// TraceContext carries correlation IDs through the memory pipeline, from
// the turn that triggered a flush down to the worker that embedded it.
type TraceContext struct {
	TraceID   string `json:"trace_id"`
	SpanID    string `json:"span_id"`
	ParentID  string `json:"parent_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// NewTraceContext creates a root trace context with a fresh TraceID and SpanID.
func NewTraceContext() *TraceContext {
	return &TraceContext{
		TraceID: randomID(),
		SpanID:  randomID(),
	}
}

// ResumeTrace continues a trace whose id crossed a process boundary, e.g.
// a worker picking up a queued job, opening a fresh span under it.
func ResumeTrace(traceID string) *TraceContext {
	return &TraceContext{
		TraceID: traceID,
		SpanID:  randomID(),
	}
}

// ChildSpan creates a child trace context inheriting the TraceID.
func (tc *TraceContext) ChildSpan() *TraceContext {
	return &TraceContext{
		TraceID:   tc.TraceID,
		SpanID:    randomID(),
		ParentID:  tc.SpanID,
		UserID:    tc.UserID,
		SessionID: tc.SessionID,
	}
}

// WithSession returns a copy with the user and session set.
func (tc *TraceContext) WithSession(userID, sessionID string) *TraceContext {
	child := *tc
	child.UserID = userID
	child.SessionID = sessionID
	return &child
}

// WithJob returns a copy with the JobID set.
func (tc *TraceContext) WithJob(jobID string) *TraceContext {
	child := *tc
	child.JobID = jobID
	return &child
}

// Fields returns key-value pairs suitable for structured logging.
func (tc *TraceContext) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"trace_id": tc.TraceID,
		"span_id":  tc.SpanID,
	}
	if tc.ParentID != "" {
		fields["parent_id"] = tc.ParentID
	}
	if tc.UserID != "" {
		fields["user"] = tc.UserID
	}
	if tc.SessionID != "" {
		fields["session"] = tc.SessionID
	}
	if tc.JobID != "" {
		fields["job"] = tc.JobID
	}
	return fields
}

// ContextWithTrace stores a TraceContext in the context.
func ContextWithTrace(ctx context.Context, tc *TraceContext) context.Context {
	return context.WithValue(ctx, traceKey{}, tc)
}

// TraceFromContext extracts a TraceContext from the context, or nil.
func TraceFromContext(ctx context.Context) *TraceContext {
	tc, _ := ctx.Value(traceKey{}).(*TraceContext)
	return tc
}

// WithTrace returns a logger enriched with trace fields from the context.
func (l *Logger) WithTrace(ctx context.Context) *Logger {
	tc := TraceFromContext(ctx)
	if tc == nil {
		return l
	}
	return l.WithFields(tc.Fields())
}

func randomID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
