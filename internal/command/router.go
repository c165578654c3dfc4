// Package command routes parsed commands to their handler flows.
//
// Dispatch goes through an explicit switch over the closed CommandKind
// set so the compiler flags unhandled kinds. Every invocation is wrapped
// in an execution trace; handler errors are logged in full with the trace
// id, optionally raise an alert, and reach the requester only as a safe
// message that never carries internal error text.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/runrelay/relay/internal/alert"
	"github.com/runrelay/relay/internal/conversation"
	"github.com/runrelay/relay/internal/ctxutil"
	"github.com/runrelay/relay/internal/dispatch"
	"github.com/runrelay/relay/internal/model"
	"github.com/runrelay/relay/internal/registry"
	"github.com/runrelay/relay/internal/respond"
	"github.com/runrelay/relay/internal/telemetry"
	"github.com/runrelay/relay/internal/tracestore"
)

// ActionExecutor carries out a confirmed pending action that is not a
// job dispatch, such as deleting an external resource.
type ActionExecutor interface {
	Execute(ctx context.Context, action model.PendingAction, payload map[string]string) (string, error)
}

// ActionExecutorFunc adapts a function to ActionExecutor.
type ActionExecutorFunc func(ctx context.Context, action model.PendingAction, payload map[string]string) (string, error)

// Execute calls f.
func (f ActionExecutorFunc) Execute(ctx context.Context, action model.PendingAction, payload map[string]string) (string, error) {
	return f(ctx, action, payload)
}

// Router dispatches inbound commands.
type Router struct {
	registry      *registry.Registry
	dispatcher    *dispatch.Dispatcher
	poller        *dispatch.Poller
	conversations *conversation.Manager
	traces        *tracestore.Store
	alerts        *alert.Router
	responder     *respond.Responder
	executor      ActionExecutor
	logger        *slog.Logger
	pollTimeout   time.Duration
}

// Deps collects the router's collaborators.
type Deps struct {
	Registry      *registry.Registry
	Dispatcher    *dispatch.Dispatcher
	Poller        *dispatch.Poller
	Conversations *conversation.Manager
	Traces        *tracestore.Store
	Alerts        *alert.Router
	Responder     *respond.Responder
	Executor      ActionExecutor
	Logger        *slog.Logger
	PollTimeout   time.Duration
}

// NewRouter creates a router. Executor may be nil, in which case confirmed
// non-job actions fail safely.
func NewRouter(d Deps) *Router {
	return &Router{
		registry:      d.Registry,
		dispatcher:    d.Dispatcher,
		poller:        d.Poller,
		conversations: d.Conversations,
		traces:        d.Traces,
		alerts:        d.Alerts,
		responder:     d.Responder,
		executor:      d.Executor,
		logger:        d.Logger,
		pollTimeout:   d.PollTimeout,
	}
}

// Handle executes one command invocation. A non-nil error is always a
// *model.ValidationError on the inbound command itself; execution
// failures surface inside the response message instead.
func (r *Router) Handle(ctx context.Context, cmd model.Command) (model.CommandResponse, error) {
	if err := model.ValidateCommand(cmd); err != nil {
		return model.CommandResponse{}, err
	}

	traceID := r.traces.Begin(ctx, string(cmd.Name), cmd.Requester)
	ctx = ctxutil.WithTraceID(ctx, traceID)
	ctx, span := telemetry.Tracer("relay/command").Start(ctx, "command."+string(cmd.Name))
	defer span.End()

	resp := r.route(ctx, traceID, cmd)
	resp.TraceID = traceID.String()

	// Deferred invocations finish their trace from the background task.
	if !resp.Deferred {
		r.traces.Finish(ctx, traceID, nil)
	}
	return resp, nil
}

func (r *Router) route(ctx context.Context, traceID uuid.UUID, cmd model.Command) model.CommandResponse {
	switch cmd.Name {
	case model.CommandRun:
		return r.handleRun(ctx, traceID, cmd)
	case model.CommandConfirm:
		return r.handleConfirm(ctx, traceID, cmd)
	case model.CommandAgents:
		return r.handleAgents(ctx, traceID)
	case model.CommandTrace:
		return r.handleTrace(ctx, traceID, cmd)
	default:
		// ParseCommandKind guards the closed set; reaching here means a
		// Command was constructed without it.
		return model.CommandResponse{Message: fmt.Sprintf("Unknown command %q. Try `agents` to see what I can do.", cmd.Name)}
	}
}

// handleRun is the dispatch-and-reconcile flow. Agents flagged Confirm
// divert into a confirmation conversation before anything is triggered.
func (r *Router) handleRun(ctx context.Context, traceID uuid.UUID, cmd model.Command) model.CommandResponse {
	agentID := cmd.Param("agent")
	if agentID == "" {
		return model.CommandResponse{Message: "Which agent? Usage: run agent=<id> [key=value ...]. Try `agents` for the catalog."}
	}

	agent, err := r.registry.Get(agentID)
	if err != nil {
		r.traces.Step(ctx, traceID, "registry_lookup", 0, model.StepFailed)
		return model.CommandResponse{Message: fmt.Sprintf("No agent named %q. Try `agents` for the catalog.", agentID)}
	}
	r.traces.Step(ctx, traceID, "registry_lookup", 0, model.StepOK)

	if agent.Confirm {
		conv, err := r.conversations.Start(ctx, cmd.Requester, model.ActionRunJob, runPayload(agentID, cmd.Parameters))
		if err != nil {
			return r.failure(ctx, traceID, "start_conversation", err,
				model.SeverityError, "conversation_store_failed",
				"Something went wrong preparing the confirmation. Please try again.")
		}
		r.traces.Step(ctx, traceID, "start_conversation", 0, model.StepOK)
		return model.CommandResponse{
			ConversationID: conv.ConversationID,
			Message: fmt.Sprintf("%q is a destructive action. To proceed, re-run with conversation_id=%s confirm=true (expires %s).",
				agent.Name, conv.ConversationID, conv.ExpiresAt.Format(time.RFC3339)),
		}
	}

	return r.runJob(ctx, traceID, cmd, agentID, jobInputs(cmd.Parameters))
}

// runJob triggers the job and either awaits it inline or defers the
// wait behind an immediate acknowledgment when the command carries a
// response URL.
func (r *Router) runJob(ctx context.Context, traceID uuid.UUID, cmd model.Command, jobKind string, inputs map[string]string) model.CommandResponse {
	start := time.Now()
	req, err := r.dispatcher.Dispatch(ctx, jobKind, inputs, cmd.Requester)
	if err != nil {
		r.traces.Step(ctx, traceID, "dispatch", time.Since(start), model.StepFailed)
		return r.failure(ctx, traceID, "dispatch", err,
			model.SeverityError, "dispatch_failed",
			fmt.Sprintf("Could not trigger %q — the CI system rejected the request. Nothing was started.", jobKind))
	}
	r.traces.Step(ctx, traceID, "dispatch", time.Since(start), model.StepOK)
	r.traces.SetCorrelation(ctx, traceID, req.CorrelationID)

	if cmd.ResponseURL != "" && r.responder != nil {
		// Deferred protocol: acknowledge now, reconcile in the background.
		// The detached context survives the caller's response window — the
		// poll always runs to completion and the dispatch is never
		// cancelled by a local timeout.
		bg := context.WithoutCancel(ctx)
		go func() {
			msg, runURL := r.reconcile(bg, traceID, req)
			r.traces.Finish(bg, traceID, nil)
			if err := r.responder.Enqueue(respond.FollowUp{
				ResponseURL: cmd.ResponseURL,
				TraceID:     traceID.String(),
				Message:     msg,
				RunURL:      runURL,
			}); err != nil {
				r.logger.ErrorContext(bg, "follow-up enqueue failed", "error", err)
			}
		}()
		return model.CommandResponse{
			Deferred: true,
			Message:  fmt.Sprintf("Triggered %q — I'll post the outcome here when it finishes.", jobKind),
		}
	}

	msg, runURL := r.reconcile(ctx, traceID, req)
	return model.CommandResponse{Message: msg, RunURL: runURL}
}

// reconcile resolves the dispatched run and polls it to a terminal state,
// returning the user-facing outcome message and run link.
func (r *Router) reconcile(ctx context.Context, traceID uuid.UUID, req model.CorrelationRequest) (msg, runURL string) {
	start := time.Now()
	run, err := r.poller.Resolve(ctx, req)
	if err != nil {
		r.traces.Step(ctx, traceID, "resolve", time.Since(start), model.StepFailed)
		switch {
		case errors.Is(err, dispatch.ErrNoRunFound):
			r.logError(ctx, traceID, "resolve", err)
			return fmt.Sprintf("Triggered %q, but I couldn't find the run yet. It may still appear in the CI system.", req.JobKind), ""
		default:
			r.logError(ctx, traceID, "resolve", err)
			r.alerts.Raise(ctx, model.SeverityWarning, "run_resolution_failed", traceID.String(), nil)
			return "I couldn't confirm the run's status. Please check the CI system directly.", ""
		}
	}
	r.traces.Step(ctx, traceID, "resolve", time.Since(start), model.StepOK)

	start = time.Now()
	final, outcome, err := r.poller.AwaitTerminal(ctx, run, r.pollTimeout)
	if err != nil {
		r.traces.Step(ctx, traceID, "await_terminal", time.Since(start), model.StepFailed)
		r.logError(ctx, traceID, "await_terminal", err)
		var tf *dispatch.TransientFailure
		if errors.As(err, &tf) {
			r.alerts.Raise(ctx, model.SeverityWarning, "status_fetch_failed", traceID.String(), links(run))
		}
		return "I couldn't confirm the job's status — please check the run link manually.", run.HTMLURL
	}
	r.traces.Step(ctx, traceID, "await_terminal", time.Since(start), model.StepOK)

	return outcomeMessage(req.JobKind, final, outcome), final.HTMLURL
}

// handleConfirm resumes a pending conversation. confirm=true executes the
// stored action exactly once; anything else discards it.
func (r *Router) handleConfirm(ctx context.Context, traceID uuid.UUID, cmd model.Command) model.CommandResponse {
	convID := cmd.Param("conversation_id")
	if convID == "" {
		return model.CommandResponse{Message: "Usage: confirm conversation_id=<id> confirm=true|false."}
	}

	conv, err := r.conversations.Resume(ctx, convID, cmd.Requester)
	if err != nil {
		r.traces.Step(ctx, traceID, "resume_conversation", 0, model.StepFailed)
		switch {
		case errors.Is(err, conversation.ErrForbidden):
			return model.CommandResponse{Message: "That confirmation belongs to someone else."}
		case errors.Is(err, conversation.ErrNotFound):
			return model.CommandResponse{Message: "That confirmation doesn't exist or has expired. Start over with the original command."}
		default:
			return r.failure(ctx, traceID, "resume_conversation", err,
				model.SeverityError, "conversation_store_failed",
				"Something went wrong loading the confirmation. Please try again.")
		}
	}
	r.traces.Step(ctx, traceID, "resume_conversation", 0, model.StepOK)

	if cmd.Param("confirm") != "true" {
		return model.CommandResponse{Message: "Okay, discarded. Nothing was executed."}
	}

	switch conv.Action {
	case model.ActionRunJob:
		jobKind := conv.Payload["agent"]
		return r.runJob(ctx, traceID, cmd, jobKind, jobInputs(conv.Payload))
	case model.ActionDeleteResource:
		return r.executeAction(ctx, traceID, conv)
	default:
		r.logError(ctx, traceID, "execute_action", fmt.Errorf("command: unknown pending action %q", conv.Action))
		return model.CommandResponse{Message: "I don't know how to execute that pending action."}
	}
}

func (r *Router) executeAction(ctx context.Context, traceID uuid.UUID, conv model.PendingConversation) model.CommandResponse {
	if r.executor == nil {
		r.logError(ctx, traceID, "execute_action", fmt.Errorf("command: no executor configured for action %q", conv.Action))
		return model.CommandResponse{Message: "That action isn't available right now."}
	}

	start := time.Now()
	msg, err := r.executor.Execute(ctx, conv.Action, conv.Payload)
	if err != nil {
		r.traces.Step(ctx, traceID, "execute_action", time.Since(start), model.StepFailed)
		return r.failure(ctx, traceID, "execute_action", err,
			model.SeverityError, "action_failed",
			"The confirmed action failed. Nothing further will be retried; see the trace for details.")
	}
	r.traces.Step(ctx, traceID, "execute_action", time.Since(start), model.StepOK)
	return model.CommandResponse{Message: msg}
}

func (r *Router) handleAgents(ctx context.Context, traceID uuid.UUID) model.CommandResponse {
	agents := r.registry.List()
	r.traces.Step(ctx, traceID, "list_agents", 0, model.StepOK)

	var b strings.Builder
	fmt.Fprintf(&b, "%d agents available:\n", len(agents))
	for _, a := range agents {
		fmt.Fprintf(&b, "• %s — %s (`%s`)", a.Name, a.Description, a.EntryCommand)
		if a.Confirm {
			b.WriteString(" [requires confirmation]")
		}
		b.WriteString("\n")
	}
	return model.CommandResponse{Message: strings.TrimRight(b.String(), "\n")}
}

// handleTrace is the diagnostic path: look up a past invocation by id.
func (r *Router) handleTrace(ctx context.Context, traceID uuid.UUID, cmd model.Command) model.CommandResponse {
	raw := cmd.Param("trace_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return model.CommandResponse{Message: "Usage: trace trace_id=<uuid>."}
	}

	tr, ok := r.traces.Get(ctx, id)
	if !ok {
		r.traces.Step(ctx, traceID, "trace_lookup", 0, model.StepFailed)
		return model.CommandResponse{Message: fmt.Sprintf("No trace %s — it may have been evicted.", raw)}
	}
	r.traces.Step(ctx, traceID, "trace_lookup", 0, model.StepOK)

	var b strings.Builder
	fmt.Fprintf(&b, "Trace %s: %s by %s, started %s\n", tr.TraceID, tr.CommandName, tr.Requester, tr.StartedAt.Format(time.RFC3339))
	for _, step := range tr.Steps {
		fmt.Fprintf(&b, "• %s: %s (%dms)\n", step.Name, step.Outcome, step.DurationMS)
	}
	if tr.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", tr.LastError)
	}
	if tr.FinishedAt != nil {
		fmt.Fprintf(&b, "Finished %s", tr.FinishedAt.Format(time.RFC3339))
	} else {
		b.WriteString("Still in progress")
	}
	return model.CommandResponse{Message: b.String()}
}

// failure logs the full error with the trace id, records it on the trace,
// raises an alert, and returns only the safe message to the requester.
func (r *Router) failure(ctx context.Context, traceID uuid.UUID, step string, err error, severity model.Severity, category, safeMsg string) model.CommandResponse {
	r.logError(ctx, traceID, step, err)
	r.traces.Finish(ctx, traceID, err)
	r.alerts.Raise(ctx, severity, category, traceID.String(), nil)
	return model.CommandResponse{Message: safeMsg}
}

func (r *Router) logError(ctx context.Context, traceID uuid.UUID, step string, err error) {
	r.logger.ErrorContext(ctx, "command step failed",
		"step", step,
		"trace_id", traceID.String(),
		"error", err,
	)
}

// outcomeMessage renders the terminal (or timed-out) state for the
// requester. Fallback-matched runs carry an explicit caveat.
func outcomeMessage(jobKind string, run model.JobRunRef, outcome dispatch.AwaitOutcome) string {
	var b strings.Builder
	if outcome == dispatch.AwaitTimedOut {
		fmt.Fprintf(&b, "%q is still %s — I stopped waiting, but the job keeps running. Check the link for progress.", jobKind, run.Status)
	} else {
		switch run.Status {
		case model.RunStatusSuccess:
			fmt.Fprintf(&b, "%q completed successfully.", jobKind)
		case model.RunStatusCancelled:
			fmt.Fprintf(&b, "%q was cancelled.", jobKind)
		default:
			fmt.Fprintf(&b, "%q finished with %s.", jobKind, run.Status)
			if run.Conclusion != "" && string(run.Status) != run.Conclusion {
				fmt.Fprintf(&b, " Conclusion: %s.", run.Conclusion)
			}
		}
	}
	if run.Confidence == model.MatchFallback {
		b.WriteString(" Note: I matched this run by timing, not by its name — verify via the link.")
	}
	return b.String()
}

// runPayload stores the run parameters for a confirmation conversation,
// keeping the agent id alongside the job inputs.
func runPayload(agentID string, params map[string]string) map[string]string {
	payload := make(map[string]string, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["agent"] = agentID
	return payload
}

// jobInputs strips router-level parameters so only job inputs reach the
// CI system.
func jobInputs(params map[string]string) map[string]string {
	inputs := make(map[string]string, len(params))
	for k, v := range params {
		switch k {
		case "agent", "confirm", "conversation_id":
			continue
		}
		inputs[k] = v
	}
	return inputs
}

func links(run model.JobRunRef) []string {
	if run.HTMLURL == "" {
		return nil
	}
	return []string{run.HTMLURL}
}
