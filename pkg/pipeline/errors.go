package pipeline

import (
	"errors"
	"fmt"

	"researchd/pkg/provider"
	"researchd/pkg/toolclient"
)

// ErrCancelled marks a stage that observed a cancellation request. The
// session finalizes as Cancelled, not Failed.
var ErrCancelled = errors.New("cancellation requested")

// permanentError marks a failure that retrying the same stage cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.err)
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps an error so the retry loop gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether a stage failure should bypass the bounded
// retry. Provider rejections and tool rejections are permanent; everything
// else is worth retrying within the attempt budget.
func IsPermanent(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return true
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return !perr.IsTransient()
	}
	var terr *toolclient.Error
	if errors.As(err, &terr) {
		return !terr.IsTransient()
	}
	return false
}
