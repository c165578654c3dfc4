package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/runrelay/relay/internal/command"
	"github.com/runrelay/relay/internal/registry"
	"github.com/runrelay/relay/internal/tracestore"
)

// Server is the Relay HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. MCPServer, ExtraRoutes, and Middleware are optional.
type ServerConfig struct {
	Router   *command.Router
	Registry *registry.Registry
	Traces   *tracestore.Store
	Logger   *slog.Logger

	// MCPServer, when set, is mounted at /mcp over StreamableHTTP.
	MCPServer *mcpserver.MCPServer

	// ExtraRoutes registers embedder-supplied routes on the mux before
	// the middleware chain is applied.
	ExtraRoutes func(mux *http.ServeMux)
	// Middleware wraps the fully-assembled handler; outermost wins.
	Middleware []func(http.Handler) http.Handler

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	AlertsEnabled       bool
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Router:        cfg.Router,
		Registry:      cfg.Registry,
		Traces:        cfg.Traces,
		Logger:        cfg.Logger,
		Version:       cfg.Version,
		AlertsEnabled: cfg.AlertsEnabled,
		MaxBodyBytes:  cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Command ingestion — the single write path.
	mux.HandleFunc("POST /v1/commands", h.HandleCommand)

	// Catalog and diagnostics.
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("GET /v1/agents/{agent_id}", h.HandleGetAgent)
	mux.HandleFunc("GET /v1/traces/{trace_id}", h.HandleGetTrace)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	if cfg.ExtraRoutes != nil {
		cfg.ExtraRoutes(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		handler = cfg.Middleware[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
