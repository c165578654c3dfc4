package model

import "time"

// PendingAction is the action a conversation is waiting to confirm.
type PendingAction string

const (
	// ActionRunJob confirms dispatch of a job kind flagged as destructive.
	ActionRunJob PendingAction = "run_job"
	// ActionDeleteResource confirms removal of an external resource.
	ActionDeleteResource PendingAction = "delete_resource"
)

// PendingConversation is a stored multi-step confirmation. The chat
// protocol cannot route free-text replies back to the handler, so the
// caller re-invokes the original command with the conversation id and an
// explicit confirm flag. A conversation is resumable at most once:
// resumption deletes it, making replay impossible.
type PendingConversation struct {
	ConversationID string            `json:"conversation_id"`
	Owner          string            `json:"owner_identity"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Action         PendingAction     `json:"pending_action"`
	Payload        map[string]string `json:"payload,omitempty"`
}

// Expired reports whether the conversation's TTL has elapsed at now.
func (c PendingConversation) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
