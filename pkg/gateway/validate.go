package gateway

import (
	"encoding/json"
	"fmt"
	"net/url"

	"researchd/pkg/pipeline"
)

// ValidationError is a synchronously rejected admission request. No session
// is created for it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// ResearchRequest is the POST /research body.
type ResearchRequest struct {
	Mode     string `json:"mode"`
	RepoURL  string `json:"repoUrl,omitempty"`
	PRURL    string `json:"prUrl,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Validate checks the closed set of admission variants. Each mode has its
// own required fields; anything else is rejected before a session exists.
func (r *ResearchRequest) Validate() error {
	switch r.Mode {
	case pipeline.ModeAutoAnalyze:
		if r.RepoURL == "" {
			return &ValidationError{Field: "repoUrl", Reason: "is required for mode auto-analyze"}
		}
		if err := checkURL(r.RepoURL); err != nil {
			return &ValidationError{Field: "repoUrl", Reason: err.Error()}
		}
	case pipeline.ModePRAnalyze:
		if r.PRURL == "" {
			return &ValidationError{Field: "prUrl", Reason: "is required for mode pr-analyze"}
		}
		if err := checkURL(r.PRURL); err != nil {
			return &ValidationError{Field: "prUrl", Reason: err.Error()}
		}
	case "":
		return &ValidationError{Field: "mode", Reason: "is required"}
	default:
		return &ValidationError{Field: "mode", Reason: fmt.Sprintf("%q is not a supported mode", r.Mode)}
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http or https URL")
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

// payload converts an admitted request to the session payload carried
// through the pipeline.
func (r *ResearchRequest) payload() (string, error) {
	raw, err := json.Marshal(pipeline.Payload{
		RepoURL:  r.RepoURL,
		PRURL:    r.PRURL,
		Topic:    r.Topic,
		Provider: r.Provider,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
