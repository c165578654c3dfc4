package relay

import (
	"context"
	"net/http"
	"time"
)

// CIClient talks to the external job-trigger and job-status APIs.
// When provided via WithCIClient, it replaces the built-in HTTP client —
// useful for CI systems with bespoke auth or for tests.
type CIClient interface {
	Trigger(ctx context.Context, jobKind, ref string, inputs map[string]string, displayName string) error
	ListRuns(ctx context.Context, jobKind string, limit int) ([]JobRun, error)
	GetRun(ctx context.Context, runID int64) (JobRun, error)
}

// AlertSink delivers alerts to an external notification system.
// When provided via WithAlertSink, it replaces the webhook sink.
// Delivery is best-effort; errors are logged, never propagated.
type AlertSink interface {
	Post(ctx context.Context, alert Alert) error
}

// ConversationStore persists pending conversations and execution traces.
// When provided via WithConversationStore, it replaces the built-in
// memory/SQLite store. Values are JSON documents; ttl <= 0 means no
// expiry. Take must be atomic: of any number of concurrent Take calls
// for one key, exactly one succeeds and the rest fail as not-found —
// the confirmation single-use guarantee depends on it. Implementations
// may additionally provide Keys(ctx, prefix) ([]string, error); the
// trace store uses it to re-adopt persisted traces into its retention
// order after a restart.
type ConversationStore interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Take(ctx context.Context, key string, dest any) error
	Close() error
}

// ActionExecutor carries out a confirmed pending action that is not a
// job dispatch (for example deleting an external resource). The returned
// string is shown to the requester.
type ActionExecutor interface {
	Execute(ctx context.Context, action string, payload map[string]string) (string, error)
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Called once during New() after the built-in routes are registered;
// extra routes share the middleware chain and OTEL instrumentation.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the fully-assembled HTTP handler. Registered
// middlewares run outermost-first in registration order.
type Middleware func(next http.Handler) http.Handler
