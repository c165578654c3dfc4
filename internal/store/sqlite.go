package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is a Store backed by a single SQLite file. Used for state that
// must survive restarts (pending conversations). The pure-Go driver keeps
// the binary CGO-free.
type SQLite struct {
	db *sql.DB

	stopOnce sync.Once
	done     chan struct{}
}

// NewSQLite opens (and if needed creates) the store at path. Call Close
// to release the database and stop the purge loop.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %q: %w", path, err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// Take calls; reads are cheap enough to share it.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	s := &SQLite{db: db, done: make(chan struct{})}
	go s.purgeLoop()
	return s, nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key string, dest any) error {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM relay_state WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, time.Now().UnixMilli(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: get %q: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("store: unmarshal %q: %w", key, err)
	}
	return nil
}

// Set implements Store.
func (s *SQLite) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %q: %w", key, err)
	}

	var expiresAt *int64
	if ttl > 0 {
		ms := time.Now().Add(ttl).UnixMilli()
		expiresAt = &ms
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO relay_state (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, data, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: set %q: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM relay_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

// Take implements Store. DELETE ... RETURNING makes the lookup-and-delete
// a single statement, so concurrent takers race inside SQLite's write
// lock and exactly one sees the row.
func (s *SQLite) Take(ctx context.Context, key string, dest any) error {
	var data []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM relay_state WHERE key = ? RETURNING value, expires_at`,
		key,
	).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: take %q: %w", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= time.Now().UnixMilli() {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("store: unmarshal %q: %w", key, err)
	}
	return nil
}

// Keys returns the live keys beginning with prefix. The prefixes used
// internally ("trace:", "conv:") contain no LIKE wildcards.
func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM relay_state WHERE key LIKE ? || '%' AND (expires_at IS NULL OR expires_at > ?)`,
		prefix, time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list keys %q: %w", prefix, err)
	}
	return keys, nil
}

// Close stops the purge loop and closes the database. Safe to call
// multiple times.
func (s *SQLite) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return s.db.Close()
}

func (s *SQLite) purgeLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, _ = s.db.ExecContext(ctx,
				`DELETE FROM relay_state WHERE expires_at IS NOT NULL AND expires_at <= ?`,
				time.Now().UnixMilli(),
			)
			cancel()
		}
	}
}
