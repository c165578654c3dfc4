package tracestore_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runrelay/relay/internal/model"
	"github.com/runrelay/relay/internal/store"
	"github.com/runrelay/relay/internal/tracestore"
)

func newStore(t *testing.T, retention int) *tracestore.Store {
	t.Helper()
	kv := store.NewMemory()
	t.Cleanup(func() { _ = kv.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return tracestore.New(kv, logger, retention)
}

func TestTraceLifecycle(t *testing.T) {
	ctx := context.Background()
	ts := newStore(t, 10)

	id := ts.Begin(ctx, "run", "alice")
	require.NotEqual(t, uuid.Nil, id)

	ts.SetCorrelation(ctx, id, "abc123")
	ts.Step(ctx, id, "dispatch", 120*time.Millisecond, model.StepOK)
	ts.Step(ctx, id, "resolve", 80*time.Millisecond, model.StepOK)
	ts.Finish(ctx, id, nil)

	tr, ok := ts.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, "run", tr.CommandName)
	assert.Equal(t, "alice", tr.Requester)
	assert.Equal(t, "abc123", tr.CorrelationID)
	require.Len(t, tr.Steps, 2)
	assert.Equal(t, "dispatch", tr.Steps[0].Name)
	assert.Equal(t, int64(120), tr.Steps[0].DurationMS)
	assert.Equal(t, model.StepOK, tr.Steps[0].Outcome)
	assert.NotNil(t, tr.FinishedAt)
	assert.Empty(t, tr.LastError)
}

func TestFinishRecordsError(t *testing.T) {
	ctx := context.Background()
	ts := newStore(t, 10)

	id := ts.Begin(ctx, "run", "alice")
	ts.Step(ctx, id, "dispatch", time.Millisecond, model.StepFailed)
	ts.Finish(ctx, id, errors.New("trigger call failed"))

	tr, ok := ts.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, "trigger call failed", tr.LastError)
}

func TestOneTracePerInvocation(t *testing.T) {
	ctx := context.Background()
	ts := newStore(t, 10)

	a := ts.Begin(ctx, "run", "alice")
	b := ts.Begin(ctx, "run", "alice")
	assert.NotEqual(t, a, b, "each invocation gets a fresh trace")
}

func TestRetentionEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	ts := newStore(t, 3)

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = ts.Begin(ctx, "run", "alice")
	}

	for _, evicted := range ids[:2] {
		_, ok := ts.Get(ctx, evicted)
		assert.False(t, ok, "oldest traces must be evicted")
	}
	for _, kept := range ids[2:] {
		_, ok := ts.Get(ctx, kept)
		assert.True(t, ok, "recent traces must survive")
	}
}

func TestRetentionHoldsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	kv1, err := store.NewSQLite(ctx, path)
	require.NoError(t, err)
	ts1 := tracestore.New(kv1, logger, 2)
	old := ts1.Begin(ctx, "run", "alice")
	require.NoError(t, kv1.Close())

	kv2, err := store.NewSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = kv2.Close() }()
	ts2 := tracestore.New(kv2, logger, 2)

	// Under the cap, the pre-restart trace is adopted and still readable.
	_, ok := ts2.Get(ctx, old)
	require.True(t, ok, "recovered trace must be readable while under the cap")

	var newest uuid.UUID
	for range 3 {
		newest = ts2.Begin(ctx, "run", "bob")
	}

	_, ok = ts2.Get(ctx, old)
	assert.False(t, ok, "pre-restart trace must be evicted oldest-first, not orphaned")
	_, ok = ts2.Get(ctx, newest)
	assert.True(t, ok)
}

func TestGetUnknownIsNotFoundNotError(t *testing.T) {
	ts := newStore(t, 3)
	_, ok := ts.Get(context.Background(), uuid.New())
	assert.False(t, ok)
}

func TestMutationsOnUnknownIDAreIgnored(t *testing.T) {
	ctx := context.Background()
	ts := newStore(t, 3)

	ghost := uuid.New()
	assert.NotPanics(t, func() {
		ts.Step(ctx, ghost, "dispatch", time.Millisecond, model.StepOK)
		ts.Finish(ctx, ghost, nil)
		ts.SetCorrelation(ctx, ghost, "x")
	})
}

func TestConcurrentSteps(t *testing.T) {
	ctx := context.Background()
	ts := newStore(t, 10)
	id := ts.Begin(ctx, "run", "alice")

	done := make(chan struct{})
	for range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			for range 10 {
				ts.Step(ctx, id, "poll", time.Millisecond, model.StepOK)
			}
		}()
	}
	for range 8 {
		<-done
	}

	tr, ok := ts.Get(ctx, id)
	require.True(t, ok)
	assert.Len(t, tr.Steps, 80, "no step may be lost to a racing update")
}
