package relay

import "time"

// Agent is one entry in the automation capability catalog. It is a
// curated view of the internal descriptor for use in extension
// interfaces — no internal package imports, safe to use from outside the
// module.
type Agent struct {
	ID           string
	Name         string
	Description  string
	EntryCommand string
	// Confirm marks the agent's job as destructive; dispatch then
	// requires an explicit confirmation round trip.
	Confirm bool
}

// JobRun is the public view of an external CI run.
type JobRun struct {
	ExternalID  int64
	DisplayName string
	Status      string
	Conclusion  string
	HTMLURL     string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// Alert is the public view of a routed notification.
type Alert struct {
	Severity    string
	RootCause   string
	TraceID     string
	Links       []string
	Fingerprint string
}
