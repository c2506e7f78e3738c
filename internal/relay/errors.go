package relay

import (
	"errors"
	"fmt"
)

// Kind classifies relay failures by how they must be handled.
type Kind int

const (
	// KindTransient covers store or gateway unavailability. Retried with
	// backoff at the dispatcher boundary, never shown as a state change.
	KindTransient Kind = iota + 1
	// KindInvalidInput covers malformed, unknown or expired tokens and
	// exchanges. Surfaced as guidance, never retried.
	KindInvalidInput
	// KindConflict covers reuse of an already-answered exchange or a
	// concurrent open on the same pair.
	KindConflict
	// KindCorruption covers violated invariants, e.g. a token resolving to
	// no owner. Fatal for the request, logged, never repaired silently.
	KindCorruption
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindInvalidInput:
		return "invalid_input"
	case KindConflict:
		return "conflict"
	case KindCorruption:
		return "corruption"
	}
	return "unknown"
}

// Error is the relay error with a handling class attached.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Code reports the class in the form consumed by log summaries.
func (e *Error) Code() string {
	switch e.Kind {
	case KindTransient:
		return "TRANSIENT"
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindConflict:
		return "CONFLICT"
	case KindCorruption:
		return "CORRUPTION"
	}
	return "UNKNOWN"
}

// E wraps err with a handling class and operation name.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the handling class, or zero when err carries none.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsInvalidInput reports whether err is user-correctable.
func IsInvalidInput(err error) bool { return KindOf(err) == KindInvalidInput }

// IsConflict reports whether err is an at-most-once violation.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsCorruption reports whether err is an invariant violation.
func IsCorruption(err error) bool { return KindOf(err) == KindCorruption }
