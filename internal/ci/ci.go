// Package ci talks to the external job execution system.
//
// The wire surface mirrors a GitHub-Actions-style API: a fire-and-forget
// dispatch endpoint that accepts a display-name hint, and run listing
// endpoints whose payloads carry status plus conclusion. Relay never
// writes a run back; it only triggers and observes.
package ci

import (
	"context"

	"github.com/runrelay/relay/internal/model"
)

// Client is the job-trigger and job-status API.
type Client interface {
	// Trigger enqueues one run of jobKind at ref. displayName is embedded
	// in the run's later-visible metadata so the poller can find it.
	Trigger(ctx context.Context, jobKind, ref string, inputs map[string]string, displayName string) error

	// ListRuns returns the most recent runs of jobKind, newest first,
	// bounded by limit.
	ListRuns(ctx context.Context, jobKind string, limit int) ([]model.JobRunRef, error)

	// GetRun re-fetches one run by its external id.
	GetRun(ctx context.Context, runID int64) (model.JobRunRef, error)
}
