// Package poolerr defines the error taxonomy every engine operation
// returns: validation, precondition, subsystem, integrity, and transient
// failures, each wrapping an underlying cause so callers can switch on kind
// with errors.As instead of matching strings.
package poolerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how a caller should react to it.
type Kind string

const (
	// KindValidation covers bad input: names, filesystems, sizes, slots.
	KindValidation Kind = "validation"
	// KindPrecondition covers pool/mount state that blocks the requested op.
	KindPrecondition Kind = "precondition"
	// KindSubsystem covers a nonzero exit from an external tool.
	KindSubsystem Kind = "subsystem"
	// KindIntegrity covers manifest/config corruption.
	KindIntegrity Kind = "integrity"
	// KindTransient covers timeouts and best-effort steps that were warned, not raised.
	KindTransient Kind = "transient"
)

// Error is a poolmgr error tagged with a Kind and, for Subsystem errors, the
// component that raised it.
type Error struct {
	Kind      Kind
	Component string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	if e.Component != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %s", e.Component, e.Msg, e.Err)
		}

		return fmt.Sprintf("%s: %s", e.Component, e.Msg)
	}

	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Err)
	}

	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, poolerr.KindPrecondition) style checks by
// comparing Kind against a *Error's Kind when the target is itself a Kind
// sentinel wrapped via New(kind, "", nil).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}

	return false
}

// Validation builds a KindValidation error.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Precondition builds a KindPrecondition error.
func Precondition(format string, args ...any) error {
	return &Error{Kind: KindPrecondition, Msg: fmt.Sprintf(format, args...)}
}

// Subsystem builds a KindSubsystem error naming the component and wrapping
// the underlying tool failure (its stderr is expected to already be part of
// err's message, per cmdutil).
func Subsystem(component string, err error) error {
	return &Error{Kind: KindSubsystem, Component: component, Msg: "subsystem failure", Err: err}
}

// Integrity builds a KindIntegrity error.
func Integrity(format string, args ...any) error {
	return &Error{Kind: KindIntegrity, Msg: fmt.Sprintf(format, args...)}
}

// Transient builds a KindTransient error for timeouts/best-effort failures
// that callers may choose to log and continue past.
func Transient(format string, args ...any) error {
	return &Error{Kind: KindTransient, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind of err, if it (or something it wraps) is a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}

	return "", false
}

// IsPrecondition reports whether err is a KindPrecondition error.
func IsPrecondition(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindPrecondition
}
