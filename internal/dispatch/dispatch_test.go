package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runrelay/relay/internal/ci"
	"github.com/runrelay/relay/internal/dispatch"
	"github.com/runrelay/relay/internal/model"
)

// fakeCI is an in-memory ci.Client with scriptable failures.
type fakeCI struct {
	mu          sync.Mutex
	runs        []model.JobRunRef
	triggered   []string // display names, in order
	triggerErrs []error  // popped per call; nil means success
	listErrs    []error
	getErrs     []error
	// getSequence, when non-empty, overrides run lookup: each GetRun pops
	// the next ref.
	getSequence []model.JobRunRef
}

func (f *fakeCI) Trigger(_ context.Context, jobKind, ref string, inputs map[string]string, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.triggerErrs) > 0 {
		err := f.triggerErrs[0]
		f.triggerErrs = f.triggerErrs[1:]
		if err != nil {
			return err
		}
	}
	f.triggered = append(f.triggered, displayName)
	return nil
}

func (f *fakeCI) ListRuns(_ context.Context, jobKind string, limit int) ([]model.JobRunRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.runs) > limit {
		return append([]model.JobRunRef(nil), f.runs[:limit]...), nil
	}
	return append([]model.JobRunRef(nil), f.runs...), nil
}

func (f *fakeCI) GetRun(_ context.Context, runID int64) (model.JobRunRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		if err != nil {
			return model.JobRunRef{}, err
		}
	}
	if len(f.getSequence) > 0 {
		run := f.getSequence[0]
		f.getSequence = f.getSequence[1:]
		return run, nil
	}
	for _, run := range f.runs {
		if run.ExternalID == runID {
			return run, nil
		}
	}
	return model.JobRunRef{}, &ci.StatusError{Code: http.StatusNotFound}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOpts() dispatch.Options {
	return dispatch.Options{
		Ref:             "main",
		PollInterval:    10 * time.Millisecond,
		PollTimeout:     time.Second,
		MaxRetries:      2,
		ResolveAttempts: 3,
		ResolveRunLimit: 20,
		RetryBaseDelay:  time.Millisecond,
	}
}

func TestDispatchEmbedsCorrelationToken(t *testing.T) {
	fake := &fakeCI{}
	d := dispatch.NewDispatcher(fake, testLogger(), fastOpts())

	req, err := d.Dispatch(context.Background(), "deploy", map[string]string{"env": "prod"}, "alice")
	require.NoError(t, err)

	assert.Equal(t, "deploy", req.JobKind)
	assert.Equal(t, "alice", req.Requester)
	assert.NotEmpty(t, req.CorrelationID)
	require.Len(t, fake.triggered, 1)
	assert.Contains(t, fake.triggered[0], req.CorrelationID)
	assert.Contains(t, fake.triggered[0], "alice")
}

func TestCorrelationTokensAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		tok := dispatch.NewCorrelationToken()
		require.False(t, seen[tok], "correlation tokens must not repeat")
		seen[tok] = true
	}
}

func TestDispatchRetriesTransientTriggerFailures(t *testing.T) {
	fake := &fakeCI{triggerErrs: []error{
		&ci.StatusError{Code: http.StatusBadGateway},
		&ci.StatusError{Code: http.StatusTooManyRequests},
	}}
	d := dispatch.NewDispatcher(fake, testLogger(), fastOpts())

	_, err := d.Dispatch(context.Background(), "deploy", nil, "alice")
	require.NoError(t, err)
	assert.Len(t, fake.triggered, 1)
}

func TestDispatchFailsAfterRetryBudget(t *testing.T) {
	fake := &fakeCI{triggerErrs: []error{
		&ci.StatusError{Code: http.StatusInternalServerError},
		&ci.StatusError{Code: http.StatusInternalServerError},
		&ci.StatusError{Code: http.StatusInternalServerError},
	}}
	d := dispatch.NewDispatcher(fake, testLogger(), fastOpts())

	_, err := d.Dispatch(context.Background(), "deploy", nil, "alice")

	var de *dispatch.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "deploy", de.JobKind)
	assert.Empty(t, fake.triggered, "no job may be assumed started")
}

func TestResolveExactMatch(t *testing.T) {
	req := model.CorrelationRequest{
		CorrelationID: "abc123",
		JobKind:       "deploy",
		Requester:     "alice",
		IssuedAt:      time.Now().UTC(),
	}
	fake := &fakeCI{runs: []model.JobRunRef{
		{ExternalID: 9, DisplayName: "deploy [zzz999] by bob", Status: model.RunStatusRunning, StartedAt: time.Now()},
		{ExternalID: 7, DisplayName: "Deploy - abc123 by alice", Status: model.RunStatusSuccess, Conclusion: "success", StartedAt: time.Now()},
	}}
	p := dispatch.NewPoller(fake, testLogger(), fastOpts())

	run, err := p.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(7), run.ExternalID)
	assert.Equal(t, model.MatchExact, run.Confidence)
}

func TestResolveFallsBackToMostRecent(t *testing.T) {
	issued := time.Now().UTC()
	fake := &fakeCI{runs: []model.JobRunRef{
		{ExternalID: 4, DisplayName: "deploy nightly", Status: model.RunStatusRunning, StartedAt: issued.Add(2 * time.Second)},
		{ExternalID: 3, DisplayName: "deploy manual", Status: model.RunStatusRunning, StartedAt: issued.Add(5 * time.Second)},
		{ExternalID: 1, DisplayName: "deploy ancient", Status: model.RunStatusSuccess, StartedAt: issued.Add(-2 * time.Hour)},
	}}
	p := dispatch.NewPoller(fake, testLogger(), fastOpts())

	run, err := p.Resolve(context.Background(), model.CorrelationRequest{
		CorrelationID: "missing-token",
		JobKind:       "deploy",
		IssuedAt:      issued,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), run.ExternalID, "newest run after dispatch time wins")
	assert.Equal(t, model.MatchFallback, run.Confidence, "fallback must be flagged low-confidence")
}

func TestResolveNoCandidates(t *testing.T) {
	issued := time.Now().UTC()
	fake := &fakeCI{runs: []model.JobRunRef{
		{ExternalID: 1, DisplayName: "deploy old", StartedAt: issued.Add(-3 * time.Hour)},
	}}
	p := dispatch.NewPoller(fake, testLogger(), fastOpts())

	_, err := p.Resolve(context.Background(), model.CorrelationRequest{
		CorrelationID: "tok",
		JobKind:       "deploy",
		IssuedAt:      issued,
	})
	assert.ErrorIs(t, err, dispatch.ErrNoRunFound)
}

func TestResolveRetriesListUntilRunAppears(t *testing.T) {
	// The run carrying the token only appears on the second listing, as
	// when the CI system is slow to register a dispatch.
	fake := &fakeCI{}
	p := dispatch.NewPoller(fake, testLogger(), fastOpts())

	go func() {
		time.Sleep(15 * time.Millisecond)
		fake.mu.Lock()
		fake.runs = []model.JobRunRef{
			{ExternalID: 8, DisplayName: "deploy [tok42] by alice", Status: model.RunStatusQueued, StartedAt: time.Now()},
		}
		fake.mu.Unlock()
	}()

	run, err := p.Resolve(context.Background(), model.CorrelationRequest{
		CorrelationID: "tok42",
		JobKind:       "deploy",
		IssuedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, model.MatchExact, run.Confidence)
	assert.Equal(t, int64(8), run.ExternalID)
}

func TestResolvePermanentListErrorIsNotTransient(t *testing.T) {
	// 404 on the job kind is not retried, so it must not surface as a
	// retries-exhausted transient failure.
	fake := &fakeCI{listErrs: []error{&ci.StatusError{Code: http.StatusNotFound}}}
	p := dispatch.NewPoller(fake, testLogger(), fastOpts())

	_, err := p.Resolve(context.Background(), model.CorrelationRequest{
		CorrelationID: "tok",
		JobKind:       "no-such-job",
		IssuedAt:      time.Now().UTC(),
	})
	require.Error(t, err)

	var tf *dispatch.TransientFailure
	assert.False(t, errors.As(err, &tf), "permanent errors keep their own identity")
	var se *ci.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestAwaitTerminalImmediateForTerminalRun(t *testing.T) {
	p := dispatch.NewPoller(&fakeCI{}, testLogger(), fastOpts())
	run := model.JobRunRef{ExternalID: 7, Status: model.RunStatusSuccess, Conclusion: "success"}

	start := time.Now()
	got, outcome, err := p.AwaitTerminal(context.Background(), run, time.Second)
	require.NoError(t, err)
	assert.Equal(t, dispatch.AwaitCompleted, outcome)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "terminal runs return without polling")
}

func TestAwaitTerminalCompletedWithUnclassifiedConclusion(t *testing.T) {
	// A finished run whose conclusion maps outside success/failure/cancelled
	// must still count as terminal, not get polled until the budget expires.
	p := dispatch.NewPoller(&fakeCI{}, testLogger(), fastOpts())
	run := model.JobRunRef{ExternalID: 7, Status: model.RunStatusCompleted, Conclusion: "neutral"}

	start := time.Now()
	got, outcome, err := p.AwaitTerminal(context.Background(), run, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, dispatch.AwaitCompleted, outcome)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, "neutral", got.Conclusion)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "must not wait out the poll budget")
}

func TestAwaitTerminalPollsToCompletion(t *testing.T) {
	fake := &fakeCI{getSequence: []model.JobRunRef{
		{ExternalID: 7, Status: model.RunStatusRunning},
		{ExternalID: 7, Status: model.RunStatusRunning},
		{ExternalID: 7, Status: model.RunStatusFailure, Conclusion: "failure"},
	}}
	p := dispatch.NewPoller(fake, testLogger(), fastOpts())

	run := model.JobRunRef{ExternalID: 7, Status: model.RunStatusQueued, Confidence: model.MatchExact}
	got, outcome, err := p.AwaitTerminal(context.Background(), run, time.Second)
	require.NoError(t, err)
	assert.Equal(t, dispatch.AwaitCompleted, outcome)
	assert.Equal(t, model.RunStatusFailure, got.Status)
	assert.Equal(t, model.MatchExact, got.Confidence, "confidence survives re-fetches")
}

func TestAwaitTerminalTimeoutIsNotAnError(t *testing.T) {
	fake := &fakeCI{runs: []model.JobRunRef{
		{ExternalID: 7, Status: model.RunStatusRunning},
	}}
	p := dispatch.NewPoller(fake, testLogger(), fastOpts())

	run := model.JobRunRef{ExternalID: 7, Status: model.RunStatusRunning}
	start := time.Now()
	got, outcome, err := p.AwaitTerminal(context.Background(), run, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err, "timeout is a distinct outcome, not an error")
	assert.Equal(t, dispatch.AwaitTimedOut, outcome)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.InDelta(t, 100, elapsed.Milliseconds(), 60, "returns close to the budget")
}

func TestAwaitTerminalTransientFailureAfterRetries(t *testing.T) {
	fake := &fakeCI{getErrs: []error{
		&ci.StatusError{Code: http.StatusTooManyRequests},
		&ci.StatusError{Code: http.StatusTooManyRequests},
		&ci.StatusError{Code: http.StatusTooManyRequests},
	}}
	p := dispatch.NewPoller(fake, testLogger(), fastOpts())

	run := model.JobRunRef{ExternalID: 7, Status: model.RunStatusRunning}
	_, _, err := p.AwaitTerminal(context.Background(), run, time.Second)

	var tf *dispatch.TransientFailure
	require.ErrorAs(t, err, &tf)
}

func TestAwaitTerminalPermanentFetchErrorIsNotTransient(t *testing.T) {
	fake := &fakeCI{getErrs: []error{&ci.StatusError{Code: http.StatusUnauthorized}}}
	p := dispatch.NewPoller(fake, testLogger(), fastOpts())

	run := model.JobRunRef{ExternalID: 7, Status: model.RunStatusRunning}
	_, _, err := p.AwaitTerminal(context.Background(), run, time.Second)
	require.Error(t, err)

	var tf *dispatch.TransientFailure
	assert.False(t, errors.As(err, &tf), "permanent errors keep their own identity")
	var se *ci.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestAwaitTerminalRecoversFromSingleTransientError(t *testing.T) {
	fake := &fakeCI{
		getErrs: []error{&ci.StatusError{Code: http.StatusBadGateway}},
		getSequence: []model.JobRunRef{
			{ExternalID: 7, Status: model.RunStatusSuccess, Conclusion: "success"},
		},
	}
	p := dispatch.NewPoller(fake, testLogger(), fastOpts())

	run := model.JobRunRef{ExternalID: 7, Status: model.RunStatusRunning}
	got, outcome, err := p.AwaitTerminal(context.Background(), run, time.Second)
	require.NoError(t, err)
	assert.Equal(t, dispatch.AwaitCompleted, outcome)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
}

func TestAwaitTerminalHonorsContextCancellation(t *testing.T) {
	fake := &fakeCI{runs: []model.JobRunRef{{ExternalID: 7, Status: model.RunStatusRunning}}}
	p := dispatch.NewPoller(fake, testLogger(), fastOpts())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := p.AwaitTerminal(ctx, model.JobRunRef{ExternalID: 7, Status: model.RunStatusRunning}, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}
