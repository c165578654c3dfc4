// Package respond delivers follow-up messages for deferred commands.
//
// A command that outlives the chat gateway's patience gets an immediate
// acknowledgment; the real outcome arrives later as a webhook POST to the
// command's response URL. Delivery happens on a background worker so the
// poller never blocks on a slow chat endpoint.
package respond

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/runrelay/relay/internal/ci"
	"github.com/runrelay/relay/internal/telemetry"
)

// queueCapacity bounds pending follow-ups to prevent OOM. When the queue
// is full, Enqueue applies backpressure by returning an error.
const queueCapacity = 1024

// FollowUp is one message bound for a command's response URL.
type FollowUp struct {
	ResponseURL string `json:"-"`
	TraceID     string `json:"trace_id"`
	Message     string `json:"message"`
	RunURL      string `json:"run_url,omitempty"`
}

// Responder posts follow-up messages from a background worker.
type Responder struct {
	client  *http.Client
	logger  *slog.Logger
	retries int

	queue      chan FollowUp
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so final deliveries respect caller's deadline
	draining   atomic.Bool

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewResponder creates a responder. timeout bounds each webhook POST.
func NewResponder(logger *slog.Logger, timeout time.Duration, retries int) *Responder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Responder{
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		retries: retries,
		queue:   make(chan FollowUp, queueCapacity),
		done:    make(chan struct{}),
	}
}

// Start begins the background delivery loop and registers OTEL metrics.
// Call Drain to stop.
func (r *Responder) Start(ctx context.Context) {
	r.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.deliverLoop(loopCtx)
}

// Enqueue schedules a follow-up for delivery. Returns an error when the
// queue is full or shutdown has begun; the caller decides whether that
// is worth an alert. Either way the loss shows up in Dropped.
func (r *Responder) Enqueue(f FollowUp) error {
	if f.ResponseURL == "" {
		return fmt.Errorf("respond: follow-up has no response URL")
	}
	if r.draining.Load() {
		r.dropped.Add(1)
		return fmt.Errorf("respond: shutting down, follow-up dropped")
	}
	select {
	case r.queue <- f:
		return nil
	default:
		r.dropped.Add(1)
		return fmt.Errorf("respond: queue at capacity (%d), follow-up dropped", queueCapacity)
	}
}

func (r *Responder) deliverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Deliver what is still queued using the drain context; ctx is
			// already done.
			finalCtx := r.drainCtx
			if finalCtx == nil {
				var cancel context.CancelFunc
				finalCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			for {
				select {
				case f := <-r.queue:
					r.deliver(finalCtx, f)
				default:
					close(r.done)
					return
				}
			}
		case f := <-r.queue:
			r.deliver(ctx, f)
		}
	}
}

func (r *Responder) deliver(ctx context.Context, f FollowUp) {
	err := ci.WithRetry(ctx, r.retries, 250*time.Millisecond, func() error {
		return r.post(ctx, f)
	})
	if err != nil {
		r.dropped.Add(1)
		r.logger.ErrorContext(ctx, "follow-up delivery failed",
			"trace_id", f.TraceID,
			"error", err,
		)
		return
	}
	r.delivered.Add(1)
	r.logger.InfoContext(ctx, "follow-up delivered", "trace_id", f.TraceID)
}

func (r *Responder) post(ctx context.Context, f FollowUp) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("respond: encode follow-up: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.ResponseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("respond: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("respond: post follow-up: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &ci.StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Drain signals the delivery loop to stop, waits for queued follow-ups to
// be delivered, and returns. ctx bounds the wait and the final deliveries.
// Enqueue calls made after Drain begins are rejected and counted.
func (r *Responder) Drain(ctx context.Context) {
	r.draining.Store(true)
	r.drainCtx = ctx
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("respond: drain timed out waiting for delivery loop")
	}

	// Anything that slipped into the queue after the loop's final sweep
	// will never be delivered; count it so Dropped tells the truth.
	for {
		select {
		case f := <-r.queue:
			r.dropped.Add(1)
			r.logger.Warn("respond: follow-up abandoned at shutdown", "trace_id", f.TraceID)
		default:
			return
		}
	}
}

// Dropped returns the total follow-ups lost to backpressure or delivery
// failure. A non-zero value means a requester never heard back.
func (r *Responder) Dropped() int64 { return r.dropped.Load() }

func (r *Responder) registerMetrics() {
	meter := telemetry.Meter("relay/respond")

	_, _ = meter.Int64ObservableGauge("relay.respond.queue_depth",
		metric.WithDescription("Follow-up messages waiting for delivery"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(r.queue)))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("relay.respond.dropped_total",
		metric.WithDescription("Follow-up messages lost to backpressure or delivery failure"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.dropped.Load())
			return nil
		}),
	)
}
