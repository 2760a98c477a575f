package timer

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every timer operation. The API layer maps these to
// status codes with errors.Is.
var (
	// ErrConflict means the user already has an open timer elsewhere.
	ErrConflict = errors.New("conflict")
	// ErrNotFound means no matching open session, stage or batch exists.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState means the transition is not allowed from the current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrForbidden means the caller lacks the role for a privileged path.
	ErrForbidden = errors.New("forbidden")
)

// Error is a taxonomy error with a human-readable reason. Error() returns only
// the reason so it can be shown to the caller as is. Also is an optional second
// kind the error matches.
type Error struct {
	Kind   error
	Also   error
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func (e *Error) Unwrap() []error {
	if e.Also == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Also}
}

// Errorf builds an *Error of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// NoActiveTimer reports a pause, resume or stop with no open session. It is an
// invalid-state transition that also matches ErrNotFound.
func NoActiveTimer(format string, args ...any) error {
	return &Error{Kind: ErrInvalidState, Also: ErrNotFound, Reason: fmt.Sprintf(format, args...)}
}
