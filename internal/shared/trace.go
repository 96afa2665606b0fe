package shared

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// TraceHeader carries a caller-supplied trace id across HTTP hops.
const TraceHeader = "X-Trace-Id"

type traceKey struct{}
type sessionIDKey struct{}
type agentNameKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// TraceFromRequest returns the inbound trace id, or a fresh one.
func TraceFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(TraceHeader)); v != "" && len(v) <= 128 {
		return v
	}
	return NewTraceID()
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAgentName attaches the target agent name to the context.
func WithAgentName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, agentNameKey{}, name)
}

// AgentName extracts the target agent name. Returns "" if absent.
func AgentName(ctx context.Context) string {
	if v, ok := ctx.Value(agentNameKey{}).(string); ok {
		return v
	}
	return ""
}
