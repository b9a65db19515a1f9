// Package errdefs defines the error taxonomy shared by the core components.
//
// Errors are classified by Kind so that the host can translate them into a
// transport-appropriate rejection without string matching:
//
//   - Precondition: rejected synchronously, no state change (kill switch
//     active, cap exceeded, unknown model, missing session)
//   - Conflict: the caller raced another mutation (task version mismatch,
//     duplicate creation inside the dedup window)
//   - NotFound: the referenced entity does not exist
//   - Invalid: malformed caller input (bad priority, bad grade label)
//   - Transient: an I/O failure that was absorbed and logged
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the API boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindPrecondition
	KindConflict
	KindNotFound
	KindInvalid
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a classified error. Use errors.As to recover the Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Preconditionf creates a precondition error.
func Preconditionf(format string, args ...any) error {
	return &Error{Kind: KindPrecondition, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf creates a conflict error.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf creates a not-found error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Invalidf creates an invalid-input error.
func Invalidf(format string, args ...any) error {
	return &Error{Kind: KindInvalid, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps an I/O error that was absorbed.
func Transient(msg string, err error) error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsPrecondition reports whether err is a precondition rejection.
func IsPrecondition(err error) bool { return KindOf(err) == KindPrecondition }

// IsConflict reports whether err is a conflict rejection.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsNotFound reports whether err is a not-found rejection.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsInvalid reports whether err is an invalid-input rejection.
func IsInvalid(err error) bool { return KindOf(err) == KindInvalid }
