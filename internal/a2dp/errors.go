package a2dp

import (
	"errors"
	"fmt"
)

var (
	// ErrShutdown is returned when submitting to a machine that has been shut down.
	ErrShutdown = errors.New("state machine shut down")
	// ErrWrongDevice is returned when a stack event is addressed to another device.
	ErrWrongDevice = errors.New("stack event for another device")
)

// StateError reports an operation that is not valid in the machine's current state.
type StateError struct {
	State ConnectionState
	Msg   string
}

func (e *StateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return fmt.Sprintf("invalid in state %s", e.State)
	}
	return fmt.Sprintf("invalid in state %s: %s", e.State, e.Msg)
}

// Is matches another StateError with the same State.
func (e *StateError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*StateError)
	if !ok {
		return false
	}
	return e.State == t.State
}
