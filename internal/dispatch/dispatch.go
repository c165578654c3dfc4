// Package dispatch implements the correlation and reconciliation engine.
//
// Dispatching mints an unpredictable correlation token, embeds it in the
// external run's display name, and triggers the job. Reconciliation later
// scans recent runs for that token and polls the matched run to a
// terminal state. The external system registers runs asynchronously, so
// resolution tolerates a short grace window before falling back to the
// most recent run started after dispatch time — a lower-confidence match
// that is always surfaced as such, never silently treated as exact.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/runrelay/relay/internal/ci"
	"github.com/runrelay/relay/internal/model"
)

// Options bound the engine's retry and poll behavior.
type Options struct {
	// Ref is the git ref passed to every workflow dispatch.
	Ref string
	// PollInterval is the delay between status re-fetches, and the grace
	// delay between resolution attempts.
	PollInterval time.Duration
	// PollTimeout is the wall-clock budget for AwaitTerminal.
	PollTimeout time.Duration
	// MaxRetries is the number of additional attempts for one transient
	// failure before the call aborts.
	MaxRetries int
	// ResolveAttempts is how many times resolution re-lists runs before
	// falling back.
	ResolveAttempts int
	// ResolveRunLimit bounds how many recent runs are scanned per attempt.
	ResolveRunLimit int
	// RetryBaseDelay seeds the exponential backoff for transient retries.
	RetryBaseDelay time.Duration
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 180 * time.Second
	}
	if o.ResolveAttempts <= 0 {
		o.ResolveAttempts = 4
	}
	if o.ResolveRunLimit <= 0 {
		o.ResolveRunLimit = 20
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
}

// Dispatcher mints correlation requests and triggers external jobs.
type Dispatcher struct {
	client ci.Client
	logger *slog.Logger
	opts   Options
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(client ci.Client, logger *slog.Logger, opts Options) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{client: client, logger: logger, opts: opts}
}

// Dispatch triggers one run of jobKind with the correlation token embedded
// in its display name. On success exactly one external job is enqueued.
// On *DispatchError no job may be assumed started.
func (d *Dispatcher) Dispatch(ctx context.Context, jobKind string, params map[string]string, requester string) (model.CorrelationRequest, error) {
	req := model.CorrelationRequest{
		CorrelationID: NewCorrelationToken(),
		Requester:     requester,
		IssuedAt:      time.Now().UTC(),
		JobKind:       jobKind,
		Parameters:    params,
	}

	err := ci.WithRetry(ctx, d.opts.MaxRetries, d.opts.RetryBaseDelay, func() error {
		return d.client.Trigger(ctx, jobKind, d.opts.Ref, params, DisplayName(req))
	})
	if err != nil {
		return model.CorrelationRequest{}, &DispatchError{JobKind: jobKind, Err: err}
	}

	d.logger.InfoContext(ctx, "job dispatched",
		"job_kind", jobKind,
		"correlation_id", req.CorrelationID,
		"requester", requester,
	)
	return req, nil
}

// NewCorrelationToken returns an unpredictable, unique token. UUIDv4 gives
// 122 random bits from crypto/rand; the hyphen-free form keeps display
// names compact.
func NewCorrelationToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DisplayName renders the human-readable run name carrying the token.
func DisplayName(req model.CorrelationRequest) string {
	return fmt.Sprintf("%s [%s] by %s", req.JobKind, req.CorrelationID, req.Requester)
}
