package model

// AgentDescriptor is one entry in the static capability catalog. Defined
// at process start, never mutated at runtime; ids are unique within the
// registry.
type AgentDescriptor struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	EntryCommand string `json:"entry_command"`
	// Confirm marks the agent's job as destructive: dispatch requires a
	// confirmation conversation before the job is triggered.
	Confirm bool `json:"confirm,omitempty"`
}
