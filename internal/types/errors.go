package types

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures. The set is closed; callers branch on
// kinds, never on error strings.
type Kind string

const (
	KindConfigInvalid     Kind = "config-invalid"
	KindStateCorrupted    Kind = "state-corrupted"
	KindTargetMissing     Kind = "target-missing"
	KindTargetConflict    Kind = "target-conflict"
	KindTimeout           Kind = "timeout"
	KindRateLimited       Kind = "rate-limited"
	KindUnavailable       Kind = "unavailable"
	KindAlreadyLocked     Kind = "already-locked"
	KindInternalAssertion Kind = "internal-assertion"
)

// Error is a structured engine error: a kind, the operation that failed,
// a message, and an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a structured error.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Errorf builds a structured error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a structured error around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode maps an error to the CLI exit-code contract:
// 0 success, 1 recoverable failure, 2 invalid argument, 3 rate-limited,
// 4 corrupted state.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindConfigInvalid:
		return 2
	case KindRateLimited:
		return 3
	case KindStateCorrupted:
		return 4
	default:
		return 1
	}
}
