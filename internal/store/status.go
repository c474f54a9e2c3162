// Package store persists the agent's presence status history in a
// local SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// StatusEntry is one persisted presence string.
type StatusEntry struct {
	Status    string
	CreatedAt time.Time
}

// StatusStore writes and reads the presence history.
type StatusStore struct {
	db *sql.DB
}

// OpenStatusStore opens (creating if needed) the status database at
// path.
func OpenStatusStore(path string) (*StatusStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS status_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create status table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_status_created_at ON status_history(created_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create status index: %w", err)
	}

	return &StatusStore{db: db}, nil
}

// SaveStatus appends one presence string to the history.
func (s *StatusStore) SaveStatus(ctx context.Context, status string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status_history (status, created_at) VALUES (?, ?)`,
		status, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: save status: %w", err)
	}
	return nil
}

// LastStatus returns the most recently persisted presence string, or
// ("", zero, nil) when the history is empty.
func (s *StatusStore) LastStatus(ctx context.Context) (string, time.Time, error) {
	var status string
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT status, created_at FROM status_history ORDER BY id DESC LIMIT 1`,
	).Scan(&status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("store: last status: %w", err)
	}
	return status, time.Unix(createdAt, 0), nil
}

// History returns up to limit entries, newest first.
func (s *StatusStore) History(ctx context.Context, limit int) ([]StatusEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, created_at FROM status_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: status history: %w", err)
	}
	defer rows.Close()

	var entries []StatusEntry
	for rows.Next() {
		var e StatusEntry
		var createdAt int64
		if err := rows.Scan(&e.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan status row: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database handle.
func (s *StatusStore) Close() error {
	return s.db.Close()
}
