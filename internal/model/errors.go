package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMessage    = errors.New("invalid message")
	ErrAuthRejected      = errors.New("channel authentication rejected")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrActionFailed      = errors.New("action failed")
	ErrConnectionLost    = errors.New("connection lost")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrUnknownSession    = errors.New("unknown session")
)

// ActionFailedError is returned when the write behind a pending action fails.
// Kind and TempID identify the rolled back action.
type ActionFailedError struct {
	Kind   string
	TempID string
	Err    error
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Kind, e.TempID, e.Err)
}

func (e *ActionFailedError) Unwrap() []error {
	return []error{ErrActionFailed, e.Err}
}
