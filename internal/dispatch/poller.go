package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/runrelay/relay/internal/ci"
	"github.com/runrelay/relay/internal/model"
	"github.com/runrelay/relay/internal/telemetry"
)

// AwaitOutcome distinguishes a finished poll from an expired one.
type AwaitOutcome string

const (
	// AwaitCompleted means the run reached a terminal state.
	AwaitCompleted AwaitOutcome = "completed"
	// AwaitTimedOut means the wall-clock budget elapsed with the run
	// still in flight. Not an error: the job keeps running and is never
	// cancelled by a local timeout.
	AwaitTimedOut AwaitOutcome = "timeout"
)

// clockSkew widens the fallback window: the CI system's run timestamps
// and our dispatch clock are not the same clock.
const clockSkew = 30 * time.Second

// Poller reconciles correlation requests with external runs.
type Poller struct {
	client ci.Client
	logger *slog.Logger
	opts   Options
}

// NewPoller creates a poller.
func NewPoller(client ci.Client, logger *slog.Logger, opts Options) *Poller {
	opts.applyDefaults()
	return &Poller{client: client, logger: logger, opts: opts}
}

// Resolve locates the run triggered for req. It prefers an exact display
// name match on the correlation token, re-listing a few times because the
// external system may take seconds to register the run. When no token
// match appears it falls back to the most recent run started after
// dispatch time, marked MatchFallback so callers can caveat the answer.
func (p *Poller) Resolve(ctx context.Context, req model.CorrelationRequest) (model.JobRunRef, error) {
	var lastRuns []model.JobRunRef

	for attempt := 0; attempt < p.opts.ResolveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return model.JobRunRef{}, ctx.Err()
			case <-time.After(p.opts.PollInterval):
			}
		}

		var runs []model.JobRunRef
		err := ci.WithRetry(ctx, p.opts.MaxRetries, p.opts.RetryBaseDelay, func() error {
			var listErr error
			runs, listErr = p.client.ListRuns(ctx, req.JobKind, p.opts.ResolveRunLimit)
			return listErr
		})
		if err != nil {
			// TransientFailure means the retry budget ran out; a permanent
			// error (404 job kind, auth) was never retried and must not
			// masquerade as one.
			if ci.IsTransient(err) {
				return model.JobRunRef{}, &TransientFailure{Err: err}
			}
			return model.JobRunRef{}, fmt.Errorf("dispatch: list runs for %q: %w", req.JobKind, err)
		}
		lastRuns = runs

		for _, run := range runs {
			if strings.Contains(run.DisplayName, req.CorrelationID) {
				run.Confidence = model.MatchExact
				return run, nil
			}
		}
	}

	// Fallback: newest run that started after dispatch, within clock skew.
	// Misattribution is possible under concurrent dispatch load, which is
	// exactly why the match is flagged low-confidence instead of failing
	// hard (see DESIGN.md).
	cutoff := req.IssuedAt.Add(-clockSkew)
	var best *model.JobRunRef
	for i := range lastRuns {
		run := lastRuns[i]
		if run.StartedAt.Before(cutoff) {
			continue
		}
		if best == nil || run.StartedAt.After(best.StartedAt) {
			best = &run
		}
	}
	if best == nil {
		return model.JobRunRef{}, ErrNoRunFound
	}

	best.Confidence = model.MatchFallback
	p.logger.WarnContext(ctx, "correlation fallback used",
		"correlation_id", req.CorrelationID,
		"job_kind", req.JobKind,
		"run_id", best.ExternalID,
	)
	return *best, nil
}

// AwaitTerminal polls run until it reaches a terminal state or timeout
// elapses, whichever is first. A timeout is reported as a distinct
// outcome, not an error; the run itself is left untouched. Individual
// fetch failures are retried with backoff; when the budget is exhausted
// the whole call aborts with *TransientFailure. Permanent fetch errors
// abort immediately and are surfaced without the transient wrapper.
func (p *Poller) AwaitTerminal(ctx context.Context, run model.JobRunRef, timeout time.Duration) (model.JobRunRef, AwaitOutcome, error) {
	if timeout <= 0 {
		timeout = p.opts.PollTimeout
	}
	deadline := time.Now().Add(timeout)
	attempts := int64(0)
	defer func() { recordPollAttempts(ctx, attempts) }()

	// The resolved run may already be terminal; don't burn a poll cycle.
	if run.Status.Terminal() {
		return run, AwaitCompleted, nil
	}

	for {
		if !time.Now().Before(deadline) {
			p.logger.InfoContext(ctx, "poll budget elapsed",
				"run_id", run.ExternalID,
				"status", string(run.Status),
			)
			return run, AwaitTimedOut, nil
		}

		wait := p.opts.PollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return run, "", ctx.Err()
		case <-time.After(wait):
		}

		var fetched model.JobRunRef
		err := ci.WithRetry(ctx, p.opts.MaxRetries, p.opts.RetryBaseDelay, func() error {
			var fetchErr error
			fetched, fetchErr = p.client.GetRun(ctx, run.ExternalID)
			return fetchErr
		})
		attempts++
		if err != nil {
			if ci.IsTransient(err) {
				return run, "", &TransientFailure{Err: err}
			}
			return run, "", fmt.Errorf("dispatch: fetch run %d: %w", run.ExternalID, err)
		}

		// Preserve the match confidence across re-fetches; the external
		// system doesn't know about it.
		fetched.Confidence = run.Confidence
		run = fetched

		if run.Status.Terminal() {
			return run, AwaitCompleted, nil
		}
	}
}

func recordPollAttempts(ctx context.Context, n int64) {
	if n == 0 {
		return
	}
	meter := telemetry.Meter("relay/poller")
	if counter, err := meter.Int64Counter("relay.poll.attempts",
		metric.WithDescription("Status fetches performed while awaiting terminal state")); err == nil {
		counter.Add(ctx, n)
	}
}
