package toolclient

import (
	"errors"
	"fmt"
)

// Kind classifies tool invocation failures for the orchestrator's retry
// policy.
type Kind int8

const (
	// KindTimeout is a call that exceeded the per-call deadline. Transient.
	KindTimeout Kind = iota
	// KindUnavailable is an endpoint that could not be reached or returned a
	// server error. Transient.
	KindUnavailable
	// KindRejected is a call the tool refused (unknown method, bad params) or
	// a response the client could not decode. Permanent.
	KindRejected
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	default:
		return "rejected"
	}
}

// Error is a classified tool invocation failure.
type Error struct {
	Err     error
	Method  string
	Message string
	Kind    Kind
	Code    int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tool %s failed (%s): %s", e.Method, e.Kind, e.Message)
	}
	return fmt.Sprintf("tool %s failed (%s): %v", e.Method, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether retrying the same call may succeed.
func (e *Error) IsTransient() bool {
	return e.Kind != KindRejected
}

// IsTransient reports whether an arbitrary error is a transient tool failure.
func IsTransient(err error) bool {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.IsTransient()
	}
	return false
}

// KindOf returns the classification of an error, or KindRejected when the
// error is not a tool error.
func KindOf(err error) Kind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return KindRejected
}
