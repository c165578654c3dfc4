// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server,
// command, and mcp: the server middleware stamps the ambient trace id and
// requester identity, and every downstream package (logging included)
// reads them back. All of them import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	keyTraceID   contextKey = "trace_id"
	keyRequester contextKey = "requester"
)

// WithTraceID returns a new context carrying the execution trace id.
func WithTraceID(ctx context.Context, traceID uuid.UUID) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceIDFromContext extracts the execution trace id from the context.
// Returns uuid.Nil when no trace is in flight.
func TraceIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyTraceID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithRequester returns a new context carrying the requester identity.
func WithRequester(ctx context.Context, requester string) context.Context {
	return context.WithValue(ctx, keyRequester, requester)
}

// RequesterFromContext extracts the requester identity from the context.
func RequesterFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequester).(string); ok {
		return v
	}
	return ""
}
