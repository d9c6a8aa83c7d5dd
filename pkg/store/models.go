package store

import (
	"time"

	"github.com/google/uuid"
)

// Session status constants. Completed, failed, and cancelled are terminal.
const (
	SessionQueued    = "queued"
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// Stage attempt status constants.
const (
	AttemptPending   = "pending"
	AttemptRunning   = "running"
	AttemptSucceeded = "succeeded"
	AttemptFailed    = "failed"
)

// IsTerminalStatus reports whether a session status admits no further work.
func IsTerminalStatus(status string) bool {
	switch status {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// Session is one end-to-end research request and its tracked progress.
type Session struct {
	ID              string     `json:"id"`
	Mode            string     `json:"mode"`
	Payload         string     `json:"payload"` // original request payload, JSON
	Stage           string     `json:"stage"`   // current or last-entered stage
	Status          string     `json:"status"`
	CancelRequested bool       `json:"cancel_requested"`
	ArtifactRef     string     `json:"artifact_ref,omitempty"`
	ErrorDetail     string     `json:"error_detail,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// StageAttempt is one execution try of a pipeline stage.
type StageAttempt struct {
	SessionID   string     `json:"session_id"`
	Stage       string     `json:"stage"`
	Ordinal     int        `json:"ordinal"` // position of the stage in the pipeline
	Attempt     int        `json:"attempt"` // 1-based attempt number
	Status      string     `json:"status"`
	Artifact    string     `json:"artifact,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// ActionLogEntry is one append-only audit record. Never mutated after insert.
type ActionLogEntry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	Metadata  string    `json:"metadata,omitempty"` // structured context, JSON
	IsError   bool      `json:"is_error"`
	CreatedAt time.Time `json:"created_at"`
}

// HealthCheckResult is the persisted outcome of one aggregator run.
type HealthCheckResult struct {
	ID        int64             `json:"id"`
	Aggregate string            `json:"aggregate"` // OK, DEGRADED, DOWN
	Domains   map[string]string `json:"domains"`   // domain -> ok/fail detail
	Notes     string            `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewSessionID allocates an opaque unique session identifier.
func NewSessionID() string {
	return uuid.New().String()
}
