// Package mcp implements the Model Context Protocol surface for Relay.
//
// The MCP server exposes the same capabilities as the HTTP API through
// tools and resources, so MCP-compatible AI agents can trigger jobs,
// confirm pending actions, and inspect traces without the chat gateway.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/runrelay/relay/internal/command"
	"github.com/runrelay/relay/internal/model"
	"github.com/runrelay/relay/internal/registry"
)

// Server wraps the MCP server around the command router.
type Server struct {
	mcpServer *mcpserver.MCPServer
	router    *command.Router
	registry  *registry.Registry
	logger    *slog.Logger
}

// New creates and configures an MCP server with all tools and resources.
func New(router *command.Router, reg *registry.Registry, logger *slog.Logger, version string) *Server {
	s := &Server{
		router:   router,
		registry: reg,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"relay",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// relay://agents — the agent capability catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"relay://agents",
			"Agent Catalog",
			mcplib.WithResourceDescription("Automation agents available for dispatch, with entry commands"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgentsResource,
	)
}

func (s *Server) registerTools() {
	// relay_run — trigger a CI job and wait for its outcome.
	s.mcpServer.AddTool(
		mcplib.NewTool("relay_run",
			mcplib.WithDescription(`Trigger an automation agent's CI job and wait for the outcome.

The job is matched back to this call by a correlation token embedded in
its display name. Agents flagged as destructive return a conversation_id
instead of running; pass it to relay_confirm to proceed.`),
			mcplib.WithString("agent",
				mcplib.Description("Agent id from the catalog (see relay_agents)"),
				mcplib.Required(),
			),
			mcplib.WithString("requester",
				mcplib.Description("Identity of the requesting user or agent"),
				mcplib.Required(),
			),
			mcplib.WithString("parameters",
				mcplib.Description("Job inputs as a JSON object of string keys and values"),
			),
		),
		s.handleRun,
	)

	// relay_confirm — resume a pending confirmation.
	s.mcpServer.AddTool(
		mcplib.NewTool("relay_confirm",
			mcplib.WithDescription("Confirm or decline a pending destructive action. A conversation can be resumed at most once."),
			mcplib.WithString("conversation_id",
				mcplib.Description("Conversation id returned by relay_run"),
				mcplib.Required(),
			),
			mcplib.WithString("requester",
				mcplib.Description("Identity of the requesting user; must match the conversation's owner"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("confirm",
				mcplib.Description("true executes the pending action, false discards it"),
				mcplib.Required(),
			),
		),
		s.handleConfirm,
	)

	// relay_agents — list the capability catalog.
	s.mcpServer.AddTool(
		mcplib.NewTool("relay_agents",
			mcplib.WithDescription("List the automation agents available for dispatch."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
		),
		s.handleAgents,
	)

	// relay_trace — diagnostic lookup of a past invocation.
	s.mcpServer.AddTool(
		mcplib.NewTool("relay_trace",
			mcplib.WithDescription("Look up the execution trace of a past command invocation by trace id."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("trace_id",
				mcplib.Description("Trace id returned by a previous tool call"),
				mcplib.Required(),
			),
		),
		s.handleTrace,
	)
}

func (s *Server) handleAgentsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.registry.List(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal agents: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "relay://agents",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agent := request.GetString("agent", "")
	requester := request.GetString("requester", "")
	if agent == "" || requester == "" {
		return errorResult("agent and requester are required"), nil
	}

	params := map[string]string{"agent": agent}
	if raw := request.GetString("parameters", ""); raw != "" {
		var inputs map[string]string
		if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
			return errorResult("parameters must be a JSON object of string keys and values"), nil
		}
		for k, v := range inputs {
			params[k] = v
		}
	}

	return s.dispatch(ctx, model.Command{
		Name:       model.CommandRun,
		Parameters: params,
		Requester:  requester,
	})
}

func (s *Server) handleConfirm(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	convID := request.GetString("conversation_id", "")
	requester := request.GetString("requester", "")
	if convID == "" || requester == "" {
		return errorResult("conversation_id and requester are required"), nil
	}

	confirm := "false"
	if request.GetBool("confirm", false) {
		confirm = "true"
	}

	return s.dispatch(ctx, model.Command{
		Name: model.CommandConfirm,
		Parameters: map[string]string{
			"conversation_id": convID,
			"confirm":         confirm,
		},
		Requester: requester,
	})
}

func (s *Server) handleAgents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(map[string]any{
		"agents": s.registry.List(),
		"total":  s.registry.Len(),
	}, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal agents: %v", err)), nil
	}
	return textResult(string(data)), nil
}

func (s *Server) handleTrace(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	traceID := request.GetString("trace_id", "")
	if traceID == "" {
		return errorResult("trace_id is required"), nil
	}

	// MCP callers have no gateway identity; the trace lookup is
	// read-only diagnostics, so a fixed identity is fine.
	return s.dispatch(ctx, model.Command{
		Name:       model.CommandTrace,
		Parameters: map[string]string{"trace_id": traceID},
		Requester:  "mcp",
	})
}

// dispatch runs cmd through the router and renders the response as a
// tool result. Validation problems surface as tool errors, never as
// protocol errors.
func (s *Server) dispatch(ctx context.Context, cmd model.Command) (*mcplib.CallToolResult, error) {
	resp, err := s.router.Handle(ctx, cmd)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal response: %v", err)), nil
	}
	return textResult(string(data)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
