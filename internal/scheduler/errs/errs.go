// Package errs defines the scheduler's error taxonomy (spec.md §7). Every
// failure the event loop observes is converted into one of these kinds
// before it crosses the job-waiter boundary; the loop itself never panics
// or propagates an error to its caller.
package errs

import "fmt"

// Kind names a class of scheduler failure.
type Kind string

const (
	KindInvalidPartition   Kind = "invalid_partition"
	KindStageConstruction  Kind = "stage_construction"
	KindSerialization      Kind = "serialization"
	KindFetchFailed        Kind = "fetch_failed"
	KindTaskSetFailed      Kind = "task_set_failed"
	KindResultHandler      Kind = "result_handler"
	KindInternalInvariant  Kind = "internal_invariant"
	KindCancelled          Kind = "cancelled"
	KindShutdown           Kind = "shutdown"
)

// Error is a scheduler failure tagged with a Kind so callers can
// errors.Is / errors.As their way to a stable category without parsing
// message text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a scheduler Error of the given kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if e, ok := err.(*Error); ok {
		se = e
	} else {
		return false
	}
	return se.Kind == kind
}
