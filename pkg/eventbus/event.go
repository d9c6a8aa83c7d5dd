// Package eventbus provides the per-session ordered progress stream with a
// durable journal for late subscribers. The durable append is the record of
// truth; live delivery is at-least-once and consumers deduplicate by
// sequence number.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type constants, matching the live channel frame types.
const (
	EventLog    = "log"
	EventStatus = "status"
	EventError  = "error"
)

// Event is one progress record for a session. Seq is monotonically
// increasing and gap-free within a session.
type Event struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// ToJSON serializes the event to a single JSONL record.
func (e *Event) ToJSON() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return raw, nil
}

// FromJSON parses a single JSONL record into an event.
func FromJSON(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	return &e, nil
}
