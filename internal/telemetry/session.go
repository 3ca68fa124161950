package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sessionTracerName = "kbot-session"

func sessionTracer() trace.Tracer {
	return Tracer(sessionTracerName)
}

// SessionTracker holds the long-lived session span for every agent session
// currently active in the process. A single AgentExecution in the teacher's
// codebase owned one such span as a struct field; a Bot drives many
// concurrent sessions keyed by ids.SessionKey, so the field becomes a map
// guarded by a mutex instead.
type SessionTracker struct {
	mu    sync.RWMutex
	spans map[string]trace.Span
}

// NewSessionTracker constructs an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{spans: make(map[string]trace.Span)}
}

// StartSession opens the long-lived span for a session (spec.md §4.6: every
// AgentSession gets a trace span from spawn to completion or rotation).
// The returned context carries the span; callers that need to create child
// spans later without the original request context should use
// TraceContext instead.
func (t *SessionTracker) StartSession(ctx context.Context, sessionID, sessionKey string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "agent_session",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("session_key", sessionKey),
	)
	t.mu.Lock()
	t.spans[sessionID] = span
	t.mu.Unlock()
	return ctx, span
}

// TraceContext returns a context carrying sessionID's span for creating
// child spans outside the request that started the session. Uses
// context.Background() so the span lifetime is independent of request
// cancellation. Returns plain context.Background() if no span is tracked
// for sessionID (no-op safe).
func (t *SessionTracker) TraceContext(sessionID string) context.Context {
	t.mu.RLock()
	span, ok := t.spans[sessionID]
	t.mu.RUnlock()
	if !ok {
		return context.Background()
	}
	return trace.ContextWithSpan(context.Background(), span)
}

// EndSession ends and forgets sessionID's span, recording err on it first if
// non-nil. Idempotent; a sessionID with no tracked span is a no-op, since
// rotation and completion both call this and either may race the other.
func (t *SessionTracker) EndSession(sessionID string, err error) {
	t.mu.Lock()
	span, ok := t.spans[sessionID]
	if ok {
		delete(t.spans, sessionID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TracePrompt creates a child span covering one forwarded prompt's
// round trip, from send to drained reply.
func TracePrompt(ctx context.Context, sessionID, acpSessionID string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.prompt",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("acp_session_id", acpSessionID),
	)
	return ctx, span
}

// TracePromptResult records the outcome of a prompt round trip on its span.
func TracePromptResult(span trace.Span, stopReason string, err error) {
	span.SetAttributes(attribute.String("stop_reason", stopReason))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceRestore creates a span covering context restoration into a freshly
// rotated session.
func TraceRestore(ctx context.Context, sessionID, conversationID string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.restore",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("conversation_id", conversationID),
	)
	return ctx, span
}

// TraceRestoreResult records the outcome of a context restoration on its span.
func TraceRestoreResult(span trace.Span, promptChars int, err error) {
	span.SetAttributes(attribute.Int("prompt_chars", promptChars))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
