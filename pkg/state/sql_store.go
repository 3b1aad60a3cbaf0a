package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	onboard "github.com/goliatone/go-onboarding"

	_ "modernc.org/sqlite"
)

var _ onboard.Storage = (*SQLStore)(nil)

const defaultSQLTimeout = 5 * time.Second

const createTableSQL = `CREATE TABLE IF NOT EXISTS onboarding_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// SQLStore persists entries in the onboarding_state table.
type SQLStore struct {
	db      *sql.DB
	timeout time.Duration
	now     func() time.Time
}

// OpenSQLite opens (creating when missing) a SQLite database at path and
// prepares the schema. Use ":memory:" for a throwaway store.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open sqlite %q: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	store, err := NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database and ensures the table exists.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("state: database is required")
	}
	s := &SQLStore{db: db, timeout: defaultSQLTimeout, now: time.Now}
	ctx, cancel := s.context()
	defer cancel()
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("state: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *SQLStore) Get(key string) (string, bool, error) {
	ctx, cancel := s.context()
	defer cancel()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM onboarding_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("state: get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLStore) Set(key, value string) error {
	ctx, cancel := s.context()
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO onboarding_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("state: set %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Remove(key string) error {
	ctx, cancel := s.context()
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM onboarding_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("state: remove %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
