package model

import "time"

// RunStatus is the lifecycle state of an external CI run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailure   RunStatus = "failure"
	RunStatusCancelled RunStatus = "cancelled"
	// RunStatusCompleted marks a run the CI system reports finished with a
	// conclusion outside the classified set (e.g. "neutral",
	// "action_required"). Terminal: the run will not transition again, the
	// raw conclusion is surfaced as-is.
	RunStatusCompleted RunStatus = "completed"
	RunStatusUnknown   RunStatus = "unknown"
)

// Terminal reports whether no further status transition can occur.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailure, RunStatusCancelled, RunStatusCompleted:
		return true
	default:
		return false
	}
}

// CorrelationRequest links an external CI run back to the command that
// triggered it. Created at dispatch time; immutable afterwards. The token
// is embedded in the run's display name so it survives the round trip
// through the external system.
type CorrelationRequest struct {
	CorrelationID string            `json:"correlation_id"`
	Requester     string            `json:"requester"`
	IssuedAt      time.Time         `json:"issued_at"`
	JobKind       string            `json:"target_job_kind"`
	Parameters    map[string]string `json:"parameters,omitempty"`
}

// MatchConfidence qualifies how a JobRunRef was matched to its
// CorrelationRequest.
type MatchConfidence string

const (
	// MatchExact means the run's display name contains the correlation token.
	MatchExact MatchConfidence = "exact"
	// MatchFallback means no run carried the token and the most recent run
	// started after dispatch time was selected instead. Callers must surface
	// this as a caveat, never as an exact attribution.
	MatchFallback MatchConfidence = "fallback"
)

// JobRunRef is a reference to an external CI run, discovered by scanning
// recent runs for the correlation token. Mutated only by re-fetch; never
// written back to the external system.
type JobRunRef struct {
	ExternalID  int64           `json:"external_run_id"`
	DisplayName string          `json:"display_name"`
	Status      RunStatus       `json:"status"`
	Conclusion  string          `json:"conclusion,omitempty"`
	HTMLURL     string          `json:"html_url,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Confidence  MatchConfidence `json:"confidence"`
}
