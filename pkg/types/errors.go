package types

import (
	"errors"
	"fmt"
)

// Error taxonomy of the coordination core. None of these are retried.
var (
	ErrAuthentication    = errors.New("authentication failed")
	ErrInvalidStatus     = errors.New("invalid action status")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Validation errors for inbound data.
var (
	ErrInvalidRoom       = errors.New("invalid room name")
	ErrInvalidPatientID  = errors.New("patient ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRole       = errors.New("invalid role")
	ErrInvalidDepartment = errors.New("invalid department")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrInvalidActionType = errors.New("invalid action type")
	ErrEmptyNote         = errors.New("note cannot be empty")
	ErrActionNotFound    = errors.New("action not found")
)

// TransitionError records which transition was refused.
type TransitionError struct {
	From ActionStatus
	To   ActionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}
