package store

import (
	"database/sql"
	"fmt"
)

// BeginStageAttempt records the start of one stage attempt. The write is
// idempotent on (session, stage, attempt) so a retried orchestrator step does
// not produce a duplicate row.
func (s *Store) BeginStageAttempt(sessionID, stage string, ordinal, attempt int) error {
	_, err := s.db.Exec(`
		INSERT INTO stage_attempts (session_id, stage, ordinal, attempt, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, stage, attempt) DO UPDATE SET
			status = excluded.status,
			started_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, sessionID, stage, ordinal, attempt, AttemptRunning)
	if err != nil {
		return fmt.Errorf("failed to begin stage attempt: %w", err)
	}
	return nil
}

// FinishStageAttempt finalizes a stage attempt with its outcome. Succeeded
// attempts carry the stage artifact; failed attempts carry error detail.
func (s *Store) FinishStageAttempt(sessionID, stage string, attempt int, status, artifact, errorDetail string) error {
	if status != AttemptSucceeded && status != AttemptFailed {
		return fmt.Errorf("finish requires succeeded or failed status, got %q", status)
	}
	result, err := s.db.Exec(`
		UPDATE stage_attempts
		SET status = ?, artifact = ?, error_detail = ?,
		    finished_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE session_id = ? AND stage = ? AND attempt = ?
	`, status, artifact, errorDetail, sessionID, stage, attempt)
	if err != nil {
		return fmt.Errorf("failed to finish stage attempt: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("stage attempt %s/%s/%d not found", sessionID, stage, attempt)
	}
	return nil
}

// StageAttempts returns all attempts for a session ordered by stage position
// then attempt number.
func (s *Store) StageAttempts(sessionID string) ([]*StageAttempt, error) {
	rows, err := s.db.Query(`
		SELECT session_id, stage, ordinal, attempt, status, artifact,
		       error_detail, started_at, finished_at
		FROM stage_attempts
		WHERE session_id = ?
		ORDER BY ordinal ASC, attempt ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []*StageAttempt
	for rows.Next() {
		var a StageAttempt
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&a.SessionID, &a.Stage, &a.Ordinal, &a.Attempt,
			&a.Status, &a.Artifact, &a.ErrorDetail, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage attempt: %w", err)
		}
		a.StartedAt = parseTimestamp(startedAt)
		if finishedAt.Valid {
			t := parseTimestamp(finishedAt.String)
			a.FinishedAt = &t
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage attempts: %w", err)
	}
	return attempts, nil
}

// SucceededArtifact returns the artifact of the succeeded attempt for a stage,
// or ok=false if the stage has not succeeded yet. Used for resumption: a
// succeeded stage is a checkpoint and is never re-executed.
func (s *Store) SucceededArtifact(sessionID, stage string) (artifact string, ok bool, err error) {
	row := s.db.QueryRow(`
		SELECT artifact FROM stage_attempts
		WHERE session_id = ? AND stage = ? AND status = ?
		ORDER BY attempt DESC LIMIT 1
	`, sessionID, stage, AttemptSucceeded)
	switch scanErr := row.Scan(&artifact); scanErr {
	case nil:
		return artifact, true, nil
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("failed to query succeeded artifact: %w", scanErr)
	}
}

// NextAttemptNumber returns the attempt number to use for the next try of a
// stage (one past the highest recorded attempt).
func (s *Store) NextAttemptNumber(sessionID, stage string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MAX(attempt) FROM stage_attempts
		WHERE session_id = ? AND stage = ?
	`, sessionID, stage).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to query attempt number: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}
