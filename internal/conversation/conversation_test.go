package conversation_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runrelay/relay/internal/conversation"
	"github.com/runrelay/relay/internal/model"
	"github.com/runrelay/relay/internal/store"
)

func newManager(t *testing.T, ttl time.Duration) *conversation.Manager {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return conversation.NewManager(st, logger, ttl)
}

func TestStartAndResume(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, time.Hour)

	conv, err := m.Start(ctx, "alice", model.ActionRunJob, map[string]string{"job": "drop-database"})
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ConversationID)
	assert.Equal(t, "alice", conv.Owner)

	got, err := m.Resume(ctx, conv.ConversationID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ActionRunJob, got.Action)
	assert.Equal(t, "drop-database", got.Payload["job"])
}

func TestResumeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, time.Hour)

	conv, err := m.Start(ctx, "alice", model.ActionDeleteResource, nil)
	require.NoError(t, err)

	_, err = m.Resume(ctx, conv.ConversationID, "alice")
	require.NoError(t, err)

	_, err = m.Resume(ctx, conv.ConversationID, "alice")
	assert.ErrorIs(t, err, conversation.ErrNotFound, "a confirmation must not be replayable")
}

func TestResumeByWrongIdentityLeavesConversationIntact(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, time.Hour)

	conv, err := m.Start(ctx, "alice", model.ActionRunJob, map[string]string{"job": "deploy"})
	require.NoError(t, err)

	// Bob tries to confirm Alice's pending action.
	_, err = m.Resume(ctx, conv.ConversationID, "bob")
	assert.ErrorIs(t, err, conversation.ErrForbidden)

	// Alice's shot is still there.
	got, err := m.Resume(ctx, conv.ConversationID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "deploy", got.Payload["job"])

	_, err = m.Resume(ctx, conv.ConversationID, "alice")
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestResumeUnknownID(t *testing.T) {
	m := newManager(t, time.Hour)
	_, err := m.Resume(context.Background(), "no-such-conversation", "alice")
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestResumeAfterExpiry(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 20*time.Millisecond)

	conv, err := m.Start(ctx, "alice", model.ActionRunJob, nil)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = m.Resume(ctx, conv.ConversationID, "alice")
	assert.ErrorIs(t, err, conversation.ErrNotFound, "expired conversations read as absent")
}

func TestConcurrentResumesExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, time.Hour)

	conv, err := m.Start(ctx, "alice", model.ActionRunJob, nil)
	require.NoError(t, err)

	const resumers = 16
	var wg sync.WaitGroup
	results := make(chan error, resumers)
	for range resumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Resume(ctx, conv.ConversationID, "alice")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, misses int
	for err := range results {
		switch {
		case err == nil:
			wins++
		default:
			assert.ErrorIs(t, err, conversation.ErrNotFound)
			misses++
		}
	}
	assert.Equal(t, 1, wins, "exactly one resume may succeed")
	assert.Equal(t, resumers-1, misses)
}
