package eventbus

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Journal appends events to per-session JSONL files. Appends are synced to
// disk before they are acknowledged, making the journal the durable buffer
// behind the live stream.
type Journal struct {
	dir  string
	mu   sync.Mutex
	open map[string]*os.File
}

// NewJournal creates the journal directory if needed.
func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{
		dir:  dir,
		open: make(map[string]*os.File),
	}, nil
}

func (j *Journal) path(sessionID string) string {
	return filepath.Join(j.dir, fmt.Sprintf("events-%s.jsonl", sessionID))
}

// Append writes one event record and syncs it to disk.
func (j *Journal) Append(event *Event) error {
	raw, err := event.ToJSON()
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	file, ok := j.open[event.SessionID]
	if !ok {
		file, err = os.OpenFile(j.path(event.SessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open journal file: %w", err)
		}
		j.open[event.SessionID] = file
	}

	if _, err := file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Read returns all journaled events for a session in append order. A missing
// file means the session has no events yet.
func (j *Journal) Read(sessionID string) ([]*Event, error) {
	data, err := os.ReadFile(j.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	var events []*Event
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		event, err := FromJSON(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse journal record: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

// CloseSession closes the open file handle for a finished session.
func (j *Journal) CloseSession(sessionID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, ok := j.open[sessionID]
	if !ok {
		return nil
	}
	delete(j.open, sessionID)
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close journal file: %w", err)
	}
	return nil
}

// Close closes all open journal files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	for id, file := range j.open {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close journal file for %s: %w", id, err)
		}
		delete(j.open, id)
	}
	return firstErr
}
