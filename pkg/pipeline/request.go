package pipeline

import (
	"encoding/json"
	"fmt"
)

// Research modes. The gateway validates mode-specific required fields before
// a session is ever created, so the pipeline can trust an admitted payload.
const (
	ModeAutoAnalyze = "auto-analyze"
	ModePRAnalyze   = "pr-analyze"
)

// Payload is the admitted request body carried on a session.
type Payload struct {
	RepoURL  string `json:"repoUrl,omitempty"`
	PRURL    string `json:"prUrl,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Provider string `json:"provider,omitempty"` // optional named variant override
}

// ParsePayload decodes a session payload.
func ParsePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("failed to parse session payload: %w", err)
	}
	return p, nil
}

// Subject returns the thing under analysis, for prompt building.
func (p Payload) Subject(mode string) string {
	switch {
	case mode == ModePRAnalyze && p.PRURL != "":
		return "the pull request at " + p.PRURL
	case p.RepoURL != "":
		return "the repository at " + p.RepoURL
	case p.Topic != "":
		return p.Topic
	default:
		return "the submitted codebase"
	}
}
