// Package store defines the ephemeral state abstraction shared by the
// trace store and the conversation state machine.
//
// Records are key to JSON-document pairs with an optional TTL. The
// interface is deliberately small so it can be backed by any
// concurrent-safe store; Relay ships an in-process implementation and a
// SQLite-backed one for state that must survive restarts. All operations
// are atomic per key — in particular Take, which is the single
// lookup-and-delete primitive the conversation single-use invariant
// depends on.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its TTL has elapsed.
var ErrNotFound = errors.New("store: not found")

// Store is a TTL-bounded key-value store of JSON documents.
type Store interface {
	// Get unmarshals the value at key into dest. Returns ErrNotFound when
	// the key is absent or expired.
	Get(ctx context.Context, key string, dest any) error

	// Set stores value at key. A non-positive ttl means the record does
	// not expire.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Take atomically reads and deletes the value at key. Exactly one of
	// any number of concurrent Take calls for the same key succeeds; the
	// rest observe ErrNotFound.
	Take(ctx context.Context, key string, dest any) error

	// Close releases background resources. Safe to call multiple times.
	Close() error
}
