package store

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is bumped whenever the schema changes.
const CurrentSchemaVersion = 1

// initializeSchema ensures the database schema is at the current version.
// Idempotent and safe to call on every startup.
func initializeSchema(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	if version == 0 {
		return createSchema(db)
	}
	return fmt.Errorf("unsupported schema version %d (current is %d)", version, CurrentSchemaVersion)
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read user_version: %w", err)
	}
	return version, nil
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id       TEXT PRIMARY KEY,
			mode             TEXT NOT NULL,
			payload          TEXT NOT NULL,
			stage            TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			artifact_ref     TEXT NOT NULL DEFAULT '',
			error_detail     TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			completed_at     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS stage_attempts (
			session_id   TEXT NOT NULL REFERENCES sessions(session_id),
			stage        TEXT NOT NULL,
			ordinal      INTEGER NOT NULL,
			attempt      INTEGER NOT NULL,
			status       TEXT NOT NULL,
			artifact     TEXT NOT NULL DEFAULT '',
			error_detail TEXT NOT NULL DEFAULT '',
			started_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			finished_at  TEXT,
			PRIMARY KEY (session_id, stage, attempt)
		)`,

		`CREATE TABLE IF NOT EXISTS action_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			metadata   TEXT NOT NULL DEFAULT '',
			is_error   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_logs_errors ON action_logs(is_error, id DESC)`,

		`CREATE TABLE IF NOT EXISTS health_checks (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			aggregate  TEXT NOT NULL,
			domains    TEXT NOT NULL,
			notes      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", CurrentSchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
