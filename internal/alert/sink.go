package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/runrelay/relay/internal/model"
)

// WebhookSink posts alerts as JSON to a notification webhook. Delivery is
// fire-and-forget with a bounded per-call timeout so a slow notification
// service cannot stall a command invocation.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Post implements Sink.
func (s *WebhookSink) Post(ctx context.Context, event model.AlertEvent) error {
	body, err := json.Marshal(webhookPayload(event))
	if err != nil {
		return fmt.Errorf("alert: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert: sink returned status %d", resp.StatusCode)
	}
	return nil
}

// webhookPayload shapes the event for a chat-webhook style sink: one text
// line plus structured fields for systems that parse them.
func webhookPayload(event model.AlertEvent) map[string]any {
	text := fmt.Sprintf("[%s] %s", event.Severity, event.RootCause)
	if event.TraceID != "" {
		text += " (trace " + event.TraceID + ")"
	}
	return map[string]any{
		"text":        text,
		"severity":    event.Severity,
		"root_cause":  event.RootCause,
		"trace_id":    event.TraceID,
		"links":       event.Links,
		"fingerprint": event.Fingerprint,
	}
}

// NoopSink discards alerts. Used when alerting is disabled so the router
// can be constructed unconditionally.
type NoopSink struct{}

// Post implements Sink.
func (NoopSink) Post(context.Context, model.AlertEvent) error { return nil }
