package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateSession inserts a new session in queued status.
func (s *Store) CreateSession(id, mode, payload string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, mode, payload, status)
		VALUES (?, ?, ?, ?)
	`, id, mode, payload, SessionQueued)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT session_id, mode, payload, stage, status, cancel_requested,
		       artifact_ref, error_detail, created_at, updated_at, completed_at
		FROM sessions WHERE session_id = ?
	`, id)
	return scanSession(row)
}

// TransitionStatus atomically moves a session from an expected status to the
// next one. Returns ErrStaleStatus if the session is no longer in the
// expected status, which guards against two workers advancing the same
// session concurrently.
func (s *Store) TransitionStatus(id, expect, next string) error {
	result, err := s.db.Exec(`
		UPDATE sessions
		SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE session_id = ? AND status = ?
	`, next, id, expect)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetSession(id); errors.Is(getErr, ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return ErrStaleStatus
	}
	return nil
}

// FinalizeSession atomically moves a session from an expected status to a
// terminal one, recording the final artifact reference or error detail and
// the completion timestamp.
func (s *Store) FinalizeSession(id, expect, terminal, artifactRef, errorDetail string) error {
	if !IsTerminalStatus(terminal) {
		return fmt.Errorf("finalize requires a terminal status, got %q", terminal)
	}
	result, err := s.db.Exec(`
		UPDATE sessions
		SET status = ?, artifact_ref = ?, error_detail = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
		    completed_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE session_id = ? AND status = ?
	`, terminal, artifactRef, errorDetail, id, expect)
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetSession(id); errors.Is(getErr, ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return ErrStaleStatus
	}
	return nil
}

// SetStage records the stage the session is currently executing.
func (s *Store) SetStage(id, stage string) error {
	_, err := s.db.Exec(`
		UPDATE sessions
		SET stage = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE session_id = ?
	`, stage, id)
	if err != nil {
		return fmt.Errorf("failed to set session stage: %w", err)
	}
	return nil
}

// RequestCancel marks a session for cooperative cancellation. The orchestrator
// polls the flag at stage boundaries. Requesting cancellation of a terminal
// session is a no-op.
func (s *Store) RequestCancel(id string) error {
	result, err := s.db.Exec(`
		UPDATE sessions
		SET cancel_requested = 1, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE session_id = ? AND status NOT IN (?, ?, ?)
	`, id, SessionCompleted, SessionFailed, SessionCancelled)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetSession(id); errors.Is(getErr, ErrSessionNotFound) {
			return ErrSessionNotFound
		}
	}
	return nil
}

// RecentSessions returns up to limit sessions ordered newest first.
func (s *Store) RecentSessions(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT session_id, mode, payload, stage, status, cancel_requested,
		       artifact_ref, error_detail, created_at, updated_at, completed_at
		FROM sessions ORDER BY created_at DESC, session_id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*Session, error) {
	sess, err := scanSessionFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

func scanSessionRow(rows *sql.Rows) (*Session, error) {
	return scanSessionFrom(rows)
}

func scanSessionFrom(scanner rowScanner) (*Session, error) {
	var sess Session
	var cancelRequested int
	var createdAt, updatedAt string
	var completedAt sql.NullString

	err := scanner.Scan(&sess.ID, &sess.Mode, &sess.Payload, &sess.Stage,
		&sess.Status, &cancelRequested, &sess.ArtifactRef, &sess.ErrorDetail,
		&createdAt, &updatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.CancelRequested = cancelRequested != 0
	sess.CreatedAt = parseTimestamp(createdAt)
	sess.UpdatedAt = parseTimestamp(updatedAt)
	if completedAt.Valid {
		t := parseTimestamp(completedAt.String)
		sess.CompletedAt = &t
	}
	return &sess, nil
}

func parseTimestamp(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
