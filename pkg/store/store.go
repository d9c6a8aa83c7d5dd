// Package store provides SQLite-backed durable storage for sessions, stage
// attempts, append-only action logs, and health check history.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"researchd/pkg/logx"
)

// Store wraps the database connection. All collaborators receive a *Store
// at construction; there is no package-level singleton.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Sentinel errors surfaced by store operations.
var (
	// ErrSessionNotFound is returned when a requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStaleStatus is returned when a conditional status update loses the
	// race against a concurrent worker acting on the same session.
	ErrStaleStatus = errors.New("session status changed concurrently")
)

// Open opens (creating if needed) the database at dbPath with WAL mode and
// initializes the schema. The returned store owns the connection.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{
		db:     db,
		logger: logx.NewLogger("store"),
	}, nil
}

// Ping verifies store connectivity. Used by the health aggregator.
func (s *Store) Ping() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("store ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
