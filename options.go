package relay

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	logger      *slog.Logger
	version     string
	ciClient    CIClient
	alertSink   AlertSink
	stateStore  ConversationStore
	executor    ActionExecutor
	agents      []Agent
	registrars  []RouteRegistrar
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (RELAY_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, a JSON logger with secret redaction is built from config.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCIClient replaces the built-in HTTP client for the external CI API.
func WithCIClient(c CIClient) Option {
	return func(o *resolvedOptions) { o.ciClient = c }
}

// WithAlertSink replaces the webhook alert sink. Only the last call wins.
func WithAlertSink(s AlertSink) Option {
	return func(o *resolvedOptions) { o.alertSink = s }
}

// WithConversationStore replaces the built-in state store (memory, or
// SQLite when RELAY_STATE_PATH is set) with a caller-provided one —
// useful for backing conversations with a shared external store.
func WithConversationStore(s ConversationStore) Option {
	return func(o *resolvedOptions) { o.stateStore = s }
}

// WithActionExecutor sets the executor for confirmed non-job actions.
// Without one, such actions fail safely with a user-facing message.
func WithActionExecutor(e ActionExecutor) Option {
	return func(o *resolvedOptions) { o.executor = e }
}

// WithAgents replaces the agent catalog from config (RELAY_AGENTS_FILE
// or compiled-in defaults).
func WithAgents(agents []Agent) Option {
	return func(o *resolvedOptions) { o.agents = agents }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.registrars = append(o.registrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Applied in registration order: the first-registered middleware is
// outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
