package model

import (
	"time"

	"github.com/google/uuid"
)

// StepOutcome records how a single trace step ended.
type StepOutcome string

const (
	StepOK      StepOutcome = "ok"
	StepFailed  StepOutcome = "failed"
	StepSkipped StepOutcome = "skipped"
)

// TraceStep is one completed step inside an execution trace.
type TraceStep struct {
	Name       string      `json:"name"`
	DurationMS int64       `json:"duration_ms"`
	Outcome    StepOutcome `json:"outcome"`
}

// ExecutionTrace records one command invocation end to end. Exactly one
// trace exists per invocation — traces are never merged or reused.
// Appended to as steps complete, finished once, then read-only.
type ExecutionTrace struct {
	TraceID       uuid.UUID   `json:"trace_id"`
	CommandName   string      `json:"command_name"`
	Requester     string      `json:"requester"`
	StartedAt     time.Time   `json:"started_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
	Steps         []TraceStep `json:"steps"`
	LastError     string      `json:"last_error,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}
