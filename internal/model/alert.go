package model

import (
	"crypto/sha256"
	"encoding/hex"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
)

// AlertEvent is a notification routed to the alert sink. Fingerprint is
// the dedup key: an identical fingerprint seen again inside the dedup
// window is suppressed, not re-sent.
type AlertEvent struct {
	Severity    Severity `json:"severity"`
	RootCause   string   `json:"root_cause"`
	TraceID     string   `json:"trace_id,omitempty"`
	Links       []string `json:"links,omitempty"`
	Fingerprint string   `json:"fingerprint"`
}

// AlertFingerprint hashes (severity, root-cause category) into a stable
// dedup key. The category intentionally excludes per-incident detail so
// repeated occurrences of the same failure collapse to one fingerprint.
func AlertFingerprint(severity Severity, category string) string {
	sum := sha256.Sum256([]byte(string(severity) + "\x00" + category))
	return hex.EncodeToString(sum[:8])
}
