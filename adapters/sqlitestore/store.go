package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adventlabs/storyplay/domain/repositories"
)

// Store is a SQLite-backed repositories.SessionStore. It keeps one row per
// credential scope holding the current session id.
type Store struct {
	db *sql.DB
}

var _ repositories.SessionStore = (*Store)(nil)

// New opens (or creates) the store database at path and ensures the schema
// exists.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("ensure store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS current_sessions (
		scope TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveCurrentSession implements repositories.SessionStore.
func (s *Store) SaveCurrentSession(ctx context.Context, scope, sessionID string) error {
	if scope == "" {
		return errors.New("scope is empty")
	}
	if sessionID == "" {
		return errors.New("session id is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO current_sessions (scope, session_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(scope) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		scope, sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save current session: %w", err)
	}
	return nil
}

// CurrentSession implements repositories.SessionStore.
func (s *Store) CurrentSession(ctx context.Context, scope string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM current_sessions WHERE scope = ?`, scope).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read current session: %w", err)
	}
	return sessionID, nil
}

// ClearCurrentSession implements repositories.SessionStore.
func (s *Store) ClearCurrentSession(ctx context.Context, scope string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM current_sessions WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("clear current session: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *Store) Close() error {
	return s.db.Close()
}
