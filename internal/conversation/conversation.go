// Package conversation implements the multi-step confirmation state
// machine. A destructive command creates a pending conversation instead
// of executing; the requester re-invokes the command with the
// conversation id and a confirm flag to resume it. Resumption is
// at-most-once: the store's atomic take consumes the record, so a
// replayed confirmation finds nothing.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/runrelay/relay/internal/model"
	"github.com/runrelay/relay/internal/store"
)

// ErrNotFound means the conversation does not exist, expired, or was
// already resumed. All three collapse to the same answer on purpose: a
// caller cannot distinguish "never existed" from "consumed".
var ErrNotFound = errors.New("conversation: not found or expired")

// ErrForbidden means the resuming identity is not the conversation's
// owner. The conversation is left intact for the real owner.
var ErrForbidden = errors.New("conversation: identity does not own this conversation")

const keyPrefix = "conv:"

// Manager creates and resumes pending confirmations on a shared store.
type Manager struct {
	store  store.Store
	logger *slog.Logger
	ttl    time.Duration

	now func() time.Time
}

// NewManager creates a manager. Conversations expire after ttl.
func NewManager(st store.Store, logger *slog.Logger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{store: st, logger: logger, ttl: ttl, now: time.Now}
}

// Start records a pending action owned by identity and returns the
// stored conversation. Nothing executes until the owner resumes it.
func (m *Manager) Start(ctx context.Context, owner string, action model.PendingAction, payload map[string]string) (model.PendingConversation, error) {
	now := m.now().UTC()
	conv := model.PendingConversation{
		ConversationID: uuid.NewString(),
		Owner:          owner,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
		Action:         action,
		Payload:        payload,
	}
	if err := m.store.Set(ctx, keyPrefix+conv.ConversationID, conv, m.ttl); err != nil {
		return model.PendingConversation{}, fmt.Errorf("conversation: store pending: %w", err)
	}

	m.logger.InfoContext(ctx, "conversation started",
		"conversation_id", conv.ConversationID,
		"action", string(conv.Action),
		"owner", owner,
	)
	return conv, nil
}

// Resume consumes the conversation and returns its pending action. Only
// the owner may resume; a mismatched identity gets ErrForbidden and the
// conversation survives. A successful Resume deletes the record, so any
// second attempt — concurrent or later — gets ErrNotFound.
func (m *Manager) Resume(ctx context.Context, id, identity string) (model.PendingConversation, error) {
	key := keyPrefix + id

	// Ownership is checked before consuming so that a stranger's attempt
	// does not burn the owner's one shot.
	var conv model.PendingConversation
	if err := m.store.Get(ctx, key, &conv); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.PendingConversation{}, ErrNotFound
		}
		return model.PendingConversation{}, fmt.Errorf("conversation: load pending: %w", err)
	}
	if conv.Owner != identity {
		m.logger.WarnContext(ctx, "conversation resume denied",
			"conversation_id", id,
			"owner", conv.Owner,
			"identity", identity,
		)
		return model.PendingConversation{}, ErrForbidden
	}

	if err := m.store.Take(ctx, key, &conv); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.PendingConversation{}, ErrNotFound
		}
		return model.PendingConversation{}, fmt.Errorf("conversation: consume pending: %w", err)
	}

	m.logger.InfoContext(ctx, "conversation resumed",
		"conversation_id", id,
		"action", string(conv.Action),
	)
	return conv, nil
}
