// Package errs classifies installer failures into expected (user-actionable)
// and unexpected (internal or environmental) errors.
//
// Every *Error is expected: it carries a self-explanatory message that is shown
// to the user without internal diagnostics. Any other error reaching the top
// level is unexpected and is reported together with its causal chain.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies the kind of expected failure.
type Code string

const (
	// CodeRootRequired: the command needs an effective uid of 0.
	CodeRootRequired Code = "root_required"
	// CodeDeclined: the user answered "no" to a confirmation prompt.
	CodeDeclined Code = "declined"
	// CodeCancelled: an interrupt arrived between two steps.
	CodeCancelled Code = "cancelled"
	// CodeAlreadyInstalled: a receipt already exists at the receipt location.
	CodeAlreadyInstalled Code = "already_installed"
	// CodeAlreadyApplied: the target of an action is already in a state the
	// action does not own.
	CodeAlreadyApplied Code = "already_applied"
	// CodeConflict: existing system state conflicts with the requested state.
	CodeConflict Code = "conflict"
	// CodeIncompatibleReceipt: the receipt was written by another major version.
	CodeIncompatibleReceipt Code = "incompatible_receipt"
	// CodeInvalidSettings: the settings file or environment is malformed.
	CodeInvalidSettings Code = "invalid_settings"
)

// Error is a user-facing failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels usable with errors.Is.
var (
	ErrRootRequired = &Error{Code: CodeRootRequired, Message: "nix-installer needs to run as `root`"}
	ErrCancelled    = &Error{Code: CodeCancelled, Message: "Cancelled by user, stopped between steps"}
	ErrDeclined     = &Error{Code: CodeDeclined, Message: "Declined by user"}
)

// New creates an expected error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an expected error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an expected error that keeps err as its cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Expected returns the first *Error in err's chain.
func Expected(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsExpected reports whether err is user-facing.
func IsExpected(err error) bool {
	_, ok := Expected(err)
	return ok
}

// Chain returns the messages of err and every error it wraps, outermost first.
// Each entry has the text contributed by that layer only.
func Chain(err error) []string {
	var chain []string
	for err != nil {
		msg := err.Error()
		next := errors.Unwrap(err)
		if next != nil {
			inner := next.Error()
			if len(msg) > len(inner) && msg[len(msg)-len(inner):] == inner {
				msg = msg[:len(msg)-len(inner)]
				for len(msg) > 0 && (msg[len(msg)-1] == ' ' || msg[len(msg)-1] == ':') {
					msg = msg[:len(msg)-1]
				}
			}
		}
		if msg != "" {
			chain = append(chain, msg)
		}
		err = next
	}
	return chain
}
