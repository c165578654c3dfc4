// Package relay is the public API for embedding the Relay automation
// orchestration server.
//
// Consumers import this package to construct and extend the server
// without forking it:
//
//	app, err := relay.New(
//	    relay.WithVersion(version),
//	    relay.WithLogger(logger),
//	    relay.WithAlertSink(mySink),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: relay (root) imports
// internal/*, but internal/* never imports relay (root). Public types
// (Agent, JobRun, Alert) are standalone structs with no internal
// imports; conversion adapters live here because this is the only file
// that sees both sides of the boundary.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/runrelay/relay/internal/alert"
	"github.com/runrelay/relay/internal/ci"
	"github.com/runrelay/relay/internal/command"
	"github.com/runrelay/relay/internal/config"
	"github.com/runrelay/relay/internal/conversation"
	"github.com/runrelay/relay/internal/dispatch"
	"github.com/runrelay/relay/internal/logging"
	"github.com/runrelay/relay/internal/mcp"
	"github.com/runrelay/relay/internal/model"
	"github.com/runrelay/relay/internal/registry"
	"github.com/runrelay/relay/internal/respond"
	"github.com/runrelay/relay/internal/server"
	"github.com/runrelay/relay/internal/store"
	"github.com/runrelay/relay/internal/telemetry"
	"github.com/runrelay/relay/internal/tracestore"
)

// App is the Relay server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	kv           store.Store
	srv          *server.Server
	responder    *respond.Responder
	alerts       *alert.Router
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Relay server. It loads configuration, wires all
// subsystems, and returns a ready-to-run App. It does NOT start any
// goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger := o.logger
	if logger == nil {
		logger = logging.New(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	}

	logger.Info("relay starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// State store: caller override, durable SQLite when a path is
	// configured, in-process memory otherwise. Conversations and traces
	// share it. ConversationStore and store.Store have identical method
	// sets, so the override assigns without an adapter.
	var kv store.Store
	switch {
	case o.stateStore != nil:
		kv = o.stateStore
		logger.Info("state store: external")
	case cfg.StatePath != "":
		sq, err := store.NewSQLite(context.Background(), cfg.StatePath)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("state store: %w", err)
		}
		kv = sq
		logger.Info("state store: sqlite", "path", cfg.StatePath)
	default:
		kv = store.NewMemory()
		logger.Info("state store: memory (conversations lost on restart)")
	}

	traces := tracestore.New(kv, logger, cfg.TraceRetentionCount)
	traces.RegisterMetrics()

	// Alert sink: external override, webhook, or noop when disabled.
	var sink alert.Sink = alert.NoopSink{}
	switch {
	case o.alertSink != nil:
		sink = &alertSinkAdapter{sink: o.alertSink}
	case cfg.AlertsEnabled:
		sink = alert.NewWebhookSink(cfg.AlertWebhookURL, cfg.CICallTimeout)
	}
	alerts := alert.NewRouter(sink, logger, cfg.AlertDedupWindow, cfg.AlertsEnabled)
	alerts.RegisterMetrics()

	// CI client: external override or the built-in HTTP client.
	var ciClient ci.Client
	if o.ciClient != nil {
		ciClient = &ciClientAdapter{client: o.ciClient}
	} else {
		if cfg.CIBaseURL == "" {
			alerts.Close()
			_ = kv.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("config: RELAY_CI_BASE_URL is required (or use WithCIClient)")
		}
		ciClient = ci.NewHTTPClient(cfg.CIBaseURL, cfg.CIToken, cfg.CICallTimeout)
	}

	// Agent catalog: option override, JSON file, or compiled-in defaults.
	var reg *registry.Registry
	switch {
	case len(o.agents) > 0:
		reg, err = registry.New(toAgentDescriptors(o.agents))
	case cfg.AgentsFile != "":
		reg, err = registry.LoadFile(cfg.AgentsFile)
	default:
		reg, err = registry.New(registry.Defaults())
	}
	if err != nil {
		alerts.Close()
		_ = kv.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("registry: %w", err)
	}
	logger.Info("agent catalog loaded", "agents", reg.Len())

	dispatchOpts := dispatch.Options{
		Ref:             cfg.CIRef,
		PollInterval:    cfg.PollInterval,
		PollTimeout:     cfg.PollTimeout,
		MaxRetries:      cfg.MaxRetries,
		ResolveAttempts: cfg.ResolveAttempts,
		ResolveRunLimit: cfg.ResolveRunLimit,
	}

	responder := respond.NewResponder(logger, cfg.CICallTimeout, cfg.MaxRetries)

	var executor command.ActionExecutor
	if o.executor != nil {
		executor = &executorAdapter{executor: o.executor}
	}

	router := command.NewRouter(command.Deps{
		Registry:      reg,
		Dispatcher:    dispatch.NewDispatcher(ciClient, logger, dispatchOpts),
		Poller:        dispatch.NewPoller(ciClient, logger, dispatchOpts),
		Conversations: conversation.NewManager(kv, logger, cfg.ConversationTTL),
		Traces:        traces,
		Alerts:        alerts,
		Responder:     responder,
		Executor:      executor,
		Logger:        logger,
		PollTimeout:   cfg.PollTimeout,
	})

	mcpSrv := mcp.New(router, reg, logger, version)

	var extraRoutes func(mux *http.ServeMux)
	if len(o.registrars) > 0 {
		registrars := o.registrars
		extraRoutes = func(mux *http.ServeMux) {
			for _, fn := range registrars {
				fn(mux)
			}
		}
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, (func(http.Handler) http.Handler)(mw))
	}

	srv := server.New(server.ServerConfig{
		Router:              router,
		Registry:            reg,
		Traces:              traces,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		ExtraRoutes:         extraRoutes,
		Middleware:          middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		AlertsEnabled:       cfg.AlertsEnabled,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		kv:           kv,
		srv:          srv,
		responder:    responder,
		alerts:       alerts,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the follow-up delivery worker and the HTTP server, then
// blocks until ctx is cancelled or a fatal server error occurs. On
// return, Shutdown has been called — callers should not call it
// separately.
func (a *App) Run(ctx context.Context) error {
	a.responder.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Shutdown unblocks srv.Start with http.ErrServerClosed, so the
		// group drains on signal and on fatal server error alike.
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})
	return g.Wait()
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight commands,
// (2) deliver queued follow-up messages,
// (3) close the alert router, state store, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("relay shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, 30*time.Second)
	a.responder.Drain(drainCtx)
	drainCancel()
	if dropped := a.responder.Dropped(); dropped > 0 {
		a.logger.Warn("follow-ups lost during shutdown", "dropped", dropped)
	}

	_ = a.alerts.Close()
	if err := a.kv.Close(); err != nil {
		a.logger.Error("state store close error", "error", err)
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("relay stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ──────

// ciClientAdapter wraps a public CIClient to satisfy internal ci.Client.
type ciClientAdapter struct {
	client CIClient
}

func (a *ciClientAdapter) Trigger(ctx context.Context, jobKind, ref string, inputs map[string]string, displayName string) error {
	return a.client.Trigger(ctx, jobKind, ref, inputs, displayName)
}

func (a *ciClientAdapter) ListRuns(ctx context.Context, jobKind string, limit int) ([]model.JobRunRef, error) {
	runs, err := a.client.ListRuns(ctx, jobKind, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.JobRunRef, len(runs))
	for i, r := range runs {
		out[i] = toInternalRun(r)
	}
	return out, nil
}

func (a *ciClientAdapter) GetRun(ctx context.Context, runID int64) (model.JobRunRef, error) {
	run, err := a.client.GetRun(ctx, runID)
	if err != nil {
		return model.JobRunRef{}, err
	}
	return toInternalRun(run), nil
}

// alertSinkAdapter wraps a public AlertSink to satisfy internal alert.Sink.
type alertSinkAdapter struct {
	sink AlertSink
}

func (a *alertSinkAdapter) Post(ctx context.Context, event model.AlertEvent) error {
	return a.sink.Post(ctx, Alert{
		Severity:    string(event.Severity),
		RootCause:   event.RootCause,
		TraceID:     event.TraceID,
		Links:       event.Links,
		Fingerprint: event.Fingerprint,
	})
}

// executorAdapter wraps a public ActionExecutor for the command router.
type executorAdapter struct {
	executor ActionExecutor
}

func (a *executorAdapter) Execute(ctx context.Context, action model.PendingAction, payload map[string]string) (string, error) {
	return a.executor.Execute(ctx, string(action), payload)
}

// ── Type converters ───────────────────────────────────────────────────

func toInternalRun(r JobRun) model.JobRunRef {
	return model.JobRunRef{
		ExternalID:  r.ExternalID,
		DisplayName: r.DisplayName,
		Status:      model.RunStatus(r.Status),
		Conclusion:  r.Conclusion,
		HTMLURL:     r.HTMLURL,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
}

func toAgentDescriptors(agents []Agent) []model.AgentDescriptor {
	out := make([]model.AgentDescriptor, len(agents))
	for i, a := range agents {
		out[i] = model.AgentDescriptor{
			ID:           a.ID,
			Name:         a.Name,
			Description:  a.Description,
			EntryCommand: a.EntryCommand,
			Confirm:      a.Confirm,
		}
	}
	return out
}
