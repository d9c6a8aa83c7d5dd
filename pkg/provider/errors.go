package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies provider failures for the orchestrator's retry policy.
type Kind int8

const (
	// KindTimeout is a request that exceeded its deadline. Transient.
	KindTimeout Kind = iota
	// KindUnavailable is a backend that could not be reached or returned a
	// server error. Transient.
	KindUnavailable
	// KindRejected is a request the backend refused (bad prompt, auth,
	// policy). Permanent; retrying the same request cannot succeed.
	KindRejected
	// KindUnknown is an unclassified failure. Treated as transient so the
	// bounded stage retry gets a chance to absorb it.
	KindUnknown
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	Err        error
	Message    string
	Kind       Kind
	StatusCode int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("provider error (%s): status %d", e.Kind, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether retrying the same request may succeed.
// Everything is transient unless the backend explicitly rejected the request.
func (e *Error) IsTransient() bool {
	return e.Kind != KindRejected
}

// NewError creates a classified provider error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewErrorWithCause creates a classified provider error wrapping a cause.
func NewErrorWithCause(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Err: cause, Message: message}
}

// IsTransient reports whether an arbitrary error is a transient provider
// failure. Unclassified errors default to transient.
func IsTransient(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.IsTransient()
	}
	return true
}

// KindOf returns the classification of an error, or KindUnknown.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUnknown
}

// Classify maps an SDK or transport error onto the provider taxonomy using
// shared heuristics. Backend clients call this after their own
// backend-specific checks.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(KindTimeout, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return NewErrorWithCause(KindTimeout, err, "request canceled")
	}

	errStr := strings.ToLower(err.Error())

	switch statusCode := extractStatusCode(errStr); statusCode {
	case 400, 401, 403, 404, 422:
		return &Error{Kind: KindRejected, Err: err, StatusCode: statusCode, Message: "request rejected by backend"}
	case 408, 504:
		return &Error{Kind: KindTimeout, Err: err, StatusCode: statusCode, Message: "backend timeout"}
	case 429, 500, 502, 503:
		return &Error{Kind: KindUnavailable, Err: err, StatusCode: statusCode, Message: "backend unavailable"}
	}

	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return NewErrorWithCause(KindTimeout, err, "request timeout")
	case strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "unavailable") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "reset"):
		return NewErrorWithCause(KindUnavailable, err, "backend unreachable")
	case strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "api key") ||
		strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "malformed"):
		return NewErrorWithCause(KindRejected, err, "request rejected by backend")
	}

	return NewErrorWithCause(KindUnknown, err, "unclassified provider error")
}

// extractStatusCode pulls an HTTP status code out of an SDK error string.
// SDKs commonly embed codes in messages rather than exposing them.
func extractStatusCode(errStr string) int {
	for _, pattern := range []string{"status code: ", "status: ", "http "} {
		idx := strings.Index(errStr, pattern)
		if idx == -1 {
			continue
		}
		rest := errStr[idx+len(pattern):]
		if len(rest) < 3 {
			continue
		}
		for _, code := range []int{400, 401, 403, 404, 408, 422, 429, 500, 502, 503, 504} {
			if strings.HasPrefix(rest, fmt.Sprintf("%d", code)) {
				return code
			}
		}
	}
	return 0
}
