// Package errors implements the kernel's closed error taxonomy.
//
// It is a fixed set of kinds, not an open classification problem, so this
// replaces a TransientError/PermanentError split with a single Error type
// carrying one of a closed set of Kind values.
package errors

import (
	"errors"
	"fmt"
)

// Kind is one of the orchestration kernel's closed error kinds.
type Kind int

const (
	// InvalidArgument marks a caller-supplied value outside its valid domain.
	InvalidArgument Kind = iota
	// AlreadyExists marks a duplicate create.
	AlreadyExists
	// NotFound marks a lookup miss.
	NotFound
	// IllegalTransition marks a TSM transition outside the allowed-transitions table.
	IllegalTransition
	// InsufficientParticipants marks an arbitration call below minParticipants, or all-abstain.
	InsufficientParticipants
	// Timeout marks an external call that exceeded its deadline.
	Timeout
	// ServiceUnavailable marks a transient failure from verification or persistence.
	ServiceUnavailable
	// VersionConflict marks a racing snapshot save.
	VersionConflict
	// StaleWorker marks an operation against an evicted worker.
	StaleWorker
	// CorruptState marks a fatal, unrecoverable inconsistency.
	CorruptState
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case AlreadyExists:
		return "AlreadyExists"
	case NotFound:
		return "NotFound"
	case IllegalTransition:
		return "IllegalTransition"
	case InsufficientParticipants:
		return "InsufficientParticipants"
	case Timeout:
		return "Timeout"
	case ServiceUnavailable:
		return "ServiceUnavailable"
	case VersionConflict:
		return "VersionConflict"
	case StaleWorker:
		return "StaleWorker"
	case CorruptState:
		return "CorruptState"
	default:
		return "Unknown"
	}
}

// Retryable reports whether the core's WPS retry logic should consider this
// kind retryable when it arrives via recordFailure. Validation and integrity
// kinds are never silently retried by the core; only transient kinds are.
func (k Kind) Retryable() bool {
	switch k {
	case Timeout, ServiceUnavailable:
		return true
	default:
		return false
	}
}

// Error is the kernel's error value: a Kind plus a message and optional cause.
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

// New builds a kernel error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a kernel error of the given kind, wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, if err is (or wraps) a *Error.
// The zero value (InvalidArgument) with ok=false is returned otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return InvalidArgument, false
}

// Is reports whether err is a kernel error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
