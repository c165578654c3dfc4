package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/runrelay/relay/internal/command"
	"github.com/runrelay/relay/internal/ctxutil"
	"github.com/runrelay/relay/internal/model"
	"github.com/runrelay/relay/internal/registry"
	"github.com/runrelay/relay/internal/tracestore"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	router        *command.Router
	registry      *registry.Registry
	traces        *tracestore.Store
	logger        *slog.Logger
	version       string
	alertsEnabled bool
	maxBodyBytes  int64
	startedAt     time.Time
}

// HandlersDeps collects the dependencies for NewHandlers.
type HandlersDeps struct {
	Router        *command.Router
	Registry      *registry.Registry
	Traces        *tracestore.Store
	Logger        *slog.Logger
	Version       string
	AlertsEnabled bool
	MaxBodyBytes  int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		router:        deps.Router,
		registry:      deps.Registry,
		traces:        deps.Traces,
		logger:        deps.Logger,
		version:       deps.Version,
		alertsEnabled: deps.AlertsEnabled,
		maxBodyBytes:  deps.MaxBodyBytes,
		startedAt:     time.Now(),
	}
}

// commandRequest is the wire shape of POST /v1/commands. The command name
// is parsed into the closed kind set before it reaches the router.
type commandRequest struct {
	CommandName string            `json:"command_name"`
	Parameters  map[string]string `json:"parameters"`
	Requester   string            `json:"requester_identity"`
	ResponseURL string            `json:"response_url,omitempty"`
}

// HandleCommand handles POST /v1/commands.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	kind, err := model.ParseCommandKind(req.CommandName)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown command name")
		return
	}

	ctx := ctxutil.WithRequester(r.Context(), req.Requester)
	resp, err := h.router.Handle(ctx, model.Command{
		Name:        kind,
		Parameters:  req.Parameters,
		Requester:   req.Requester,
		ResponseURL: req.ResponseURL,
	})
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, ve.Error())
			return
		}
		h.logger.ErrorContext(ctx, "command handling failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	status := http.StatusOK
	if resp.Deferred {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, resp)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"agents": h.registry.List(),
		"total":  h.registry.Len(),
	})
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.registry.Get(r.PathValue("agent_id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleGetTrace handles GET /v1/traces/{trace_id} — the diagnostic path.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("trace_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "trace_id must be a UUID")
		return
	}

	tr, ok := h.traces.Get(r.Context(), id)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found or evicted")
		return
	}
	writeJSON(w, r, http.StatusOK, tr)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	alerts := "disabled"
	if h.alertsEnabled {
		alerts = "enabled"
	}
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Alerts:  alerts,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}
