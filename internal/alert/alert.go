// Package alert routes severity-tagged notifications to an external sink
// with time-windowed deduplication.
//
// Every raise computes a fingerprint over (severity, root-cause category).
// A fingerprint that already fired inside the dedup window is suppressed
// so a flapping dependency produces one page, not hundreds. The whole
// subsystem is feature-gated: when disabled, raises are no-ops that still
// log locally at the matching level.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/runrelay/relay/internal/model"
	"github.com/runrelay/relay/internal/telemetry"
)

// Outcome reports what happened to a raised alert.
type Outcome string

const (
	// OutcomeEmitted means the alert reached the sink.
	OutcomeEmitted Outcome = "emitted"
	// OutcomeDeduplicated means an identical fingerprint fired inside the
	// dedup window and the alert was suppressed.
	OutcomeDeduplicated Outcome = "deduplicated"
	// OutcomeDisabled means alerting is feature-gated off.
	OutcomeDisabled Outcome = "disabled"
	// OutcomeFailed means the sink rejected the alert. Delivery is
	// best-effort; the failure is logged, never propagated.
	OutcomeFailed Outcome = "failed"
)

// Sink delivers an alert to an external notification system.
type Sink interface {
	Post(ctx context.Context, event model.AlertEvent) error
}

// Router deduplicates and emits alerts.
type Router struct {
	sink    Sink
	logger  *slog.Logger
	window  time.Duration
	enabled bool

	mu       sync.Mutex
	lastSent map[string]time.Time // fingerprint -> last emission

	suppressed int64

	stopOnce sync.Once
	done     chan struct{}

	now func() time.Time // test seam
}

// NewRouter creates an alert router. When enabled is false every raise is
// a local-log no-op. A background goroutine evicts stale fingerprints;
// call Close to stop it.
func NewRouter(sink Sink, logger *slog.Logger, window time.Duration, enabled bool) *Router {
	r := &Router{
		sink:     sink,
		logger:   logger,
		window:   window,
		enabled:  enabled,
		lastSent: make(map[string]time.Time),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go r.cleanup()
	return r
}

// Raise emits an alert unless an identical fingerprint fired within the
// dedup window. Never returns an error: alerting is best-effort and must
// not alter the caller's control flow.
func (r *Router) Raise(ctx context.Context, severity model.Severity, rootCause, traceID string, links []string) Outcome {
	event := model.AlertEvent{
		Severity:    severity,
		RootCause:   rootCause,
		TraceID:     traceID,
		Links:       links,
		Fingerprint: model.AlertFingerprint(severity, rootCause),
	}

	if !r.enabled {
		r.logLocal(ctx, event, OutcomeDisabled)
		return OutcomeDisabled
	}

	if !r.claim(event.Fingerprint) {
		r.mu.Lock()
		r.suppressed++
		r.mu.Unlock()
		r.logLocal(ctx, event, OutcomeDeduplicated)
		return OutcomeDeduplicated
	}

	if err := r.sink.Post(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "alert: sink post failed",
			"error", err,
			"severity", string(event.Severity),
			"fingerprint", event.Fingerprint,
		)
		// Release the claim so the next occurrence retries delivery.
		r.mu.Lock()
		delete(r.lastSent, event.Fingerprint)
		r.mu.Unlock()
		return OutcomeFailed
	}

	r.logLocal(ctx, event, OutcomeEmitted)
	return OutcomeEmitted
}

// claim records the fingerprint's timestamp if the window has passed.
// Check-and-set under one lock so concurrent raises cannot both emit.
func (r *Router) claim(fingerprint string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.lastSent[fingerprint]; ok && now.Sub(last) < r.window {
		return false
	}
	r.lastSent[fingerprint] = now
	return true
}

func (r *Router) logLocal(ctx context.Context, event model.AlertEvent, outcome Outcome) {
	level := slog.LevelWarn
	if event.Severity == model.SeverityCritical || event.Severity == model.SeverityError {
		level = slog.LevelError
	}
	r.logger.Log(ctx, level, "alert raised",
		"severity", string(event.Severity),
		"root_cause", event.RootCause,
		"fingerprint", event.Fingerprint,
		"outcome", string(outcome),
	)
}

// Close stops the fingerprint cleanup goroutine. Safe to call multiple times.
func (r *Router) Close() error {
	r.stopOnce.Do(func() { close(r.done) })
	return nil
}

func (r *Router) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *Router) evictStale() {
	cutoff := r.now().Add(-r.window)
	r.mu.Lock()
	defer r.mu.Unlock()
	for fp, last := range r.lastSent {
		if last.Before(cutoff) {
			delete(r.lastSent, fp)
		}
	}
}

// RegisterMetrics registers the suppression counter gauge.
func (r *Router) RegisterMetrics() {
	meter := telemetry.Meter("relay/alert")
	_, _ = meter.Int64ObservableGauge("relay.alerts.suppressed_total",
		metric.WithDescription("Total alerts suppressed by fingerprint dedup"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.Lock()
			n := r.suppressed
			r.mu.Unlock()
			o.Observe(n)
			return nil
		}),
	)
}
