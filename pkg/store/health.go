package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoHealthChecks is returned when no aggregator run has been recorded yet.
var ErrNoHealthChecks = errors.New("no health checks recorded")

// InsertHealthCheck persists the outcome of one aggregator run.
func (s *Store) InsertHealthCheck(result *HealthCheckResult) error {
	domains, err := json.Marshal(result.Domains)
	if err != nil {
		return fmt.Errorf("failed to serialize health domains: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO health_checks (aggregate, domains, notes)
		VALUES (?, ?, ?)
	`, result.Aggregate, string(domains), result.Notes)
	if err != nil {
		return fmt.Errorf("failed to insert health check: %w", err)
	}
	return nil
}

// LatestHealthCheck returns the most recent aggregator run, which is
// authoritative for "current" health queries.
func (s *Store) LatestHealthCheck() (*HealthCheckResult, error) {
	row := s.db.QueryRow(`
		SELECT id, aggregate, domains, notes, created_at
		FROM health_checks ORDER BY id DESC LIMIT 1
	`)

	var result HealthCheckResult
	var domains, createdAt string
	err := row.Scan(&result.ID, &result.Aggregate, &domains, &result.Notes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoHealthChecks
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan health check: %w", err)
	}

	if err := json.Unmarshal([]byte(domains), &result.Domains); err != nil {
		return nil, fmt.Errorf("failed to parse health domains: %w", err)
	}
	result.CreatedAt = parseTimestamp(createdAt)
	return &result, nil
}
