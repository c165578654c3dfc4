package respond_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runrelay/relay/internal/respond"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeliversFollowUps(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := respond.NewResponder(testLogger(), time.Second, 0)
	r.Start(context.Background())

	require.NoError(t, r.Enqueue(respond.FollowUp{
		ResponseURL: srv.URL,
		TraceID:     "trace-1",
		Message:     "Deploy completed: success",
		RunURL:      "https://ci.example.com/runs/7",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Drain(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, "trace-1", bodies[0]["trace_id"])
	assert.Equal(t, "Deploy completed: success", bodies[0]["message"])
	assert.Equal(t, "https://ci.example.com/runs/7", bodies[0]["run_url"])
	assert.Zero(t, r.Dropped())
}

func TestDrainFlushesQueuedFollowUps(t *testing.T) {
	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		received.Add(1)
	}))
	defer srv.Close()

	r := respond.NewResponder(testLogger(), time.Second, 0)
	r.Start(context.Background())

	for range 5 {
		require.NoError(t, r.Enqueue(respond.FollowUp{ResponseURL: srv.URL, TraceID: "t", Message: "m"}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Drain(ctx)

	assert.Equal(t, int64(5), received.Load(), "drain delivers everything already queued")
}

func TestRetriesTransientDeliveryFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := respond.NewResponder(testLogger(), time.Second, 2)
	r.Start(context.Background())
	require.NoError(t, r.Enqueue(respond.FollowUp{ResponseURL: srv.URL, TraceID: "t", Message: "m"}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r.Drain(ctx)

	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, r.Dropped())
}

func TestDeliveryFailureCountsAsDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	r := respond.NewResponder(testLogger(), time.Second, 2)
	r.Start(context.Background())
	require.NoError(t, r.Enqueue(respond.FollowUp{ResponseURL: srv.URL, TraceID: "t", Message: "m"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Drain(ctx)

	assert.Equal(t, int64(1), r.Dropped())
}

func TestEnqueueRequiresResponseURL(t *testing.T) {
	r := respond.NewResponder(testLogger(), time.Second, 0)
	assert.Error(t, r.Enqueue(respond.FollowUp{TraceID: "t", Message: "m"}))
}

func TestEnqueueAfterDrainIsRejectedAndCounted(t *testing.T) {
	r := respond.NewResponder(testLogger(), time.Second, 0)
	r.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Drain(ctx)

	err := r.Enqueue(respond.FollowUp{ResponseURL: "http://127.0.0.1:1/hook", TraceID: "late", Message: "m"})
	require.Error(t, err)
	assert.Equal(t, int64(1), r.Dropped(), "a reply lost at shutdown must be counted")
}

func TestDrainCountsUndeliveredLeftovers(t *testing.T) {
	// The delivery loop was never started, so nothing drains the queue and
	// both follow-ups are abandoned when Drain gives up.
	r := respond.NewResponder(testLogger(), time.Second, 0)
	require.NoError(t, r.Enqueue(respond.FollowUp{ResponseURL: "http://127.0.0.1:1/hook", TraceID: "a", Message: "m"}))
	require.NoError(t, r.Enqueue(respond.FollowUp{ResponseURL: "http://127.0.0.1:1/hook", TraceID: "b", Message: "m"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.Drain(ctx)

	assert.Equal(t, int64(2), r.Dropped(), "undelivered leftovers must be counted, not silently lost")
}
