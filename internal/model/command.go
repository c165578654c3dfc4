package model

import "fmt"

// CommandKind is the closed set of commands the router understands.
// Dispatch happens through an explicit switch so the compiler flags
// unhandled kinds when a new one is added.
type CommandKind string

const (
	// CommandRun triggers a CI job and reconciles it back to the request.
	CommandRun CommandKind = "run"
	// CommandAgents lists the agent capability catalog.
	CommandAgents CommandKind = "agents"
	// CommandTrace looks up an execution trace by id (diagnostic path).
	CommandTrace CommandKind = "trace"
	// CommandConfirm resumes a pending confirmation conversation.
	CommandConfirm CommandKind = "confirm"
)

// ParseCommandKind maps a command name from the gateway to a CommandKind.
func ParseCommandKind(name string) (CommandKind, error) {
	switch CommandKind(name) {
	case CommandRun, CommandAgents, CommandTrace, CommandConfirm:
		return CommandKind(name), nil
	default:
		return "", fmt.Errorf("model: unknown command %q", name)
	}
}

// Command is an inbound parsed command. The upstream chat gateway has
// already verified the platform signature and resolved the requester
// identity, so this core trusts every field.
type Command struct {
	Name       CommandKind       `json:"command_name"`
	Parameters map[string]string `json:"parameters"`
	Requester  string            `json:"requester_identity"`
	// ResponseURL, when set, enables the deferred response protocol:
	// the router acknowledges immediately and posts follow-up messages
	// to this URL as the job progresses.
	ResponseURL string `json:"response_url,omitempty"`
}

// Param returns a named parameter or the empty string.
func (c Command) Param(key string) string {
	return c.Parameters[key]
}
