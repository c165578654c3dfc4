package ci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/runrelay/relay/internal/model"
)

// StatusError is a non-2xx response from the CI API.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ci: unexpected status %d", e.Code)
}

// IsTransient reports whether err is worth retrying: rate limits, server
// errors, and network-level failures. 4xx responses other than 429 are
// permanent by definition.
func IsTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	// Context cancellation is the caller's decision, not a flaky upstream.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// HTTPClient implements Client over the CI system's REST API. Every call
// is bounded by the configured per-call timeout so a slow upstream cannot
// stall an invocation beyond its poll budget.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a CI API client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type dispatchRequest struct {
	Ref             string            `json:"ref"`
	Inputs          map[string]string `json:"inputs,omitempty"`
	DisplayNameHint string            `json:"display_name_hint"`
}

// Trigger implements Client.
func (c *HTTPClient) Trigger(ctx context.Context, jobKind, ref string, inputs map[string]string, displayName string) error {
	body, err := json.Marshal(dispatchRequest{
		Ref:             ref,
		Inputs:          inputs,
		DisplayNameHint: displayName,
	})
	if err != nil {
		return fmt.Errorf("ci: marshal dispatch: %w", err)
	}

	endpoint := fmt.Sprintf("%s/jobs/%s/dispatches", c.baseURL, url.PathEscape(jobKind))
	resp, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer drain(resp)

	// Dispatch endpoints return 204 with no body; anything else 2xx is
	// tolerated for API compatibility.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

type runPayload struct {
	ID          int64      `json:"id"`
	DisplayName string     `json:"display_name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion"`
	HTMLURL     string     `json:"html_url"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
}

type listRunsResponse struct {
	Runs []runPayload `json:"runs"`
}

// ListRuns implements Client.
func (c *HTTPClient) ListRuns(ctx context.Context, jobKind string, limit int) ([]model.JobRunRef, error) {
	endpoint := fmt.Sprintf("%s/jobs/%s/runs?limit=%s",
		c.baseURL, url.PathEscape(jobKind), strconv.Itoa(limit))
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var payload listRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("ci: decode run list: %w", err)
	}

	runs := make([]model.JobRunRef, len(payload.Runs))
	for i, r := range payload.Runs {
		runs[i] = toRunRef(r)
	}
	return runs, nil
}

// GetRun implements Client.
func (c *HTTPClient) GetRun(ctx context.Context, runID int64) (model.JobRunRef, error) {
	endpoint := fmt.Sprintf("%s/runs/%d", c.baseURL, runID)
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.JobRunRef{}, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return model.JobRunRef{}, &StatusError{Code: resp.StatusCode}
	}

	var payload runPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return model.JobRunRef{}, fmt.Errorf("ci: decode run: %w", err)
	}
	return toRunRef(payload), nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("ci: build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ci: %s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// toRunRef maps the wire payload to the domain reference. Status mapping
// follows the Actions convention: a "completed" run's real outcome lives
// in its conclusion field.
func toRunRef(r runPayload) model.JobRunRef {
	ref := model.JobRunRef{
		ExternalID:  r.ID,
		DisplayName: r.DisplayName,
		HTMLURL:     r.HTMLURL,
		Conclusion:  r.Conclusion,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}

	switch r.Status {
	case "queued", "pending", "waiting":
		ref.Status = model.RunStatusQueued
	case "in_progress", "running":
		ref.Status = model.RunStatusRunning
	case "completed":
		switch r.Conclusion {
		case "success":
			ref.Status = model.RunStatusSuccess
		case "failure", "timed_out", "startup_failure":
			ref.Status = model.RunStatusFailure
		case "cancelled", "skipped":
			ref.Status = model.RunStatusCancelled
		default:
			// "neutral", "action_required" and friends: still terminal — a
			// completed run must never be polled as if it were in flight.
			ref.Status = model.RunStatusCompleted
		}
	default:
		ref.Status = model.RunStatusUnknown
	}
	return ref
}
