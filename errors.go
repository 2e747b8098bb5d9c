package adcd

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the public accessor API. Callers can test for
// them with errors.Is.
var (
	// ErrInvalidChannel means the requested channel index is not configured.
	ErrInvalidChannel = errors.New("channel index out of range")

	// ErrInvalidArgument means a calibration or hysteresis value failed validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrLockTimeout means the channel store lock could not be acquired within
	// the caller's wait budget. The operation did not run.
	ErrLockTimeout = errors.New("timed out acquiring channel store lock")
)

// PersistenceError reports a failed write-through of calibration values to the
// persistent store. The in-memory change has already been applied, so callers
// may simply retry the save.
type PersistenceError struct {
	Channel int
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("could not persist calibration for channel %d: %v", e.Channel, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
