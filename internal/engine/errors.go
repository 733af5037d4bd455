package engine

import (
	"errors"
	"fmt"
)

// ErrUnavailable matches every error returned by Client for a failed engine call.
var ErrUnavailable = errors.New("automation engine unavailable")

// Error describes a failed engine call. StatusCode is zero for transport errors.
type Error struct {
	Op         string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("engine %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("engine %s: %v", e.Op, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrUnavailable) match any engine call failure.
func (e *Error) Is(target error) bool { return target == ErrUnavailable }
