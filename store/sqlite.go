// Package store persists editor data in the background context, keyed by
// the message subKey.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotOpen is returned by Get and Save before Open or after Close.
	ErrNotOpen = errors.New("store: database not open")

	// ErrEmptyKey is returned for an empty key.
	ErrEmptyKey = errors.New("store: empty key")
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS savedata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLite is a single-table key/value store.
type SQLite struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// New returns a store for the database file at path. Nothing is touched
// until Open.
func New(path string) *SQLite {
	if path == "" {
		path = MemoryPath
	}
	return &SQLite{path: path}
}

// Path returns the database path.
func (s *SQLite) Path() string { return s.path }

// Open opens the database and creates the table. Calling Open on an open
// store is a no-op.
func (s *SQLite) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", s.path, err)
	}
	// One connection keeps an in-memory database shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout=5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("store: init %s: %w", s.path, err)
		}
	}
	s.db = db
	return nil
}

// Get returns the value saved under key. ok is false when nothing was
// saved.
func (s *SQLite) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", false, ErrNotOpen
	}

	err = s.db.QueryRowContext(ctx, `SELECT value FROM savedata WHERE key = ?`, key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return value, true, nil
}

// Save stores value under key, replacing any previous value.
func (s *SQLite) Save(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrNotOpen
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO savedata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save %q: %w", key, err)
	}
	return nil
}

// Close closes the database. It is safe to call more than once.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
