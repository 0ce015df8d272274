package mutation

import (
	"errors"
	"fmt"

	"github.com/artpar/feedstate/internal/state"
)

// Common errors.
var (
	// ErrInvalidDirection is returned when a direction does not apply to a
	// kind. Nothing was changed.
	ErrInvalidDirection = state.ErrInvalidDirection

	// ErrNotConfirmed is the cause of a rejection when the remote accepted a
	// request but reported a state different from the requested one.
	ErrNotConfirmed = errors.New("remote did not confirm the change")

	ErrInvalidName = errors.New("invalid user name")
)

// RemoteRejectedError reports that the remote side failed or refused a
// mutation. The local state has been rolled back when it is returned.
type RemoteRejectedError struct {
	Kind  state.Kind
	Ref   string
	Cause error
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("%s %s rejected by remote: %v", e.Kind, e.Ref, e.Cause)
}

func (e *RemoteRejectedError) Unwrap() error {
	return e.Cause
}

// IsRemoteRejected reports whether err is, or wraps, a RemoteRejectedError.
func IsRemoteRejected(err error) bool {
	var rejected *RemoteRejectedError
	return errors.As(err, &rejected)
}
