package store

import (
	"encoding/json"
	"fmt"
)

// AppendActionLog inserts one append-only audit record.
func (s *Store) AppendActionLog(entry *ActionLogEntry) error {
	isError := 0
	if entry.IsError {
		isError = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO action_logs (session_id, action, detail, metadata, is_error)
		VALUES (?, ?, ?, ?, ?)
	`, entry.SessionID, entry.Action, entry.Detail, entry.Metadata, isError)
	if err != nil {
		return fmt.Errorf("failed to append action log: %w", err)
	}
	return nil
}

// LogAction appends an audit record and swallows any write failure after
// reporting it locally. Audit logging must never abort the primary pipeline.
func (s *Store) LogAction(sessionID, action, detail string, metadata map[string]any, isError bool) {
	var metaJSON string
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			s.logger.Warn("action log metadata not serializable: %v", err)
		} else {
			metaJSON = string(raw)
		}
	}
	err := s.AppendActionLog(&ActionLogEntry{
		SessionID: sessionID,
		Action:    action,
		Detail:    detail,
		Metadata:  metaJSON,
		IsError:   isError,
	})
	if err != nil {
		s.logger.Error("failed to write action log (%s/%s): %v", sessionID, action, err)
	}
}

// ActionLogs returns audit records for a session, oldest first.
func (s *Store) ActionLogs(sessionID string, limit int) ([]*ActionLogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, action, detail, metadata, is_error, created_at
		FROM action_logs WHERE session_id = ?
		ORDER BY id ASC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query action logs: %w", err)
	}
	return scanActionLogs(rows)
}

// ActionLogErrors returns the most recent error-flagged audit records.
func (s *Store) ActionLogErrors(limit int) ([]*ActionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, action, detail, metadata, is_error, created_at
		FROM action_logs WHERE is_error = 1
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query action log errors: %w", err)
	}
	return scanActionLogs(rows)
}

func scanActionLogs(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
	Close() error
}) ([]*ActionLogEntry, error) {
	defer func() { _ = rows.Close() }()

	var entries []*ActionLogEntry
	for rows.Next() {
		var e ActionLogEntry
		var isError int
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Action, &e.Detail,
			&e.Metadata, &isError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan action log: %w", err)
		}
		e.IsError = isError != 0
		e.CreatedAt = parseTimestamp(createdAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate action logs: %w", err)
	}
	return entries, nil
}
