package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a domain error so callers can branch on error class
// without string matching.
type ErrorKind string

const (
	KindInvalidPipeline  ErrorKind = "invalid_pipeline"
	KindActorUnknown     ErrorKind = "actor_unknown"
	KindTaskFailed       ErrorKind = "task_failed"
	KindGatherTimeout    ErrorKind = "gather_timeout"
	KindCircuitOpen      ErrorKind = "circuit_open"
	KindPipelineCancelled ErrorKind = "pipeline_cancelled"
	KindLeaseLost        ErrorKind = "lease_lost"
	KindStorageTransient ErrorKind = "storage_transient"
	KindQueueTransient   ErrorKind = "queue_transient"
)

// retryable reports the default retry-eligibility for each kind. TaskFailed
// defaults to retryable since most task failures are transient actor errors;
// callers that know better (e.g. a handler returning a permanent error) should
// wrap with WithRetryable instead of relying on the default.
var retryable = map[ErrorKind]bool{
	KindInvalidPipeline:   false,
	KindActorUnknown:      false,
	KindTaskFailed:        true,
	KindGatherTimeout:     false,
	KindCircuitOpen:       true,
	KindPipelineCancelled: false,
	KindLeaseLost:         true,
	KindStorageTransient:  true,
	KindQueueTransient:    true,
}

// Error is the typed error envelope carried across the orchestrator, store,
// queue, and worker boundaries.
type Error struct {
	kind      ErrorKind
	msg       string
	retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind reports the error's class.
func (e *Error) Kind() ErrorKind { return e.kind }

// Retryable reports whether the orchestrator or worker should re-attempt the
// operation that produced this error.
func (e *Error) Retryable() bool { return e.retryable }

// NewError builds a typed error of the given kind with kind's default
// retryability.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{kind: kind, msg: msg, retryable: retryable[kind]}
}

// WrapError builds a typed error of the given kind wrapping an underlying
// cause, with kind's default retryability.
func WrapError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, retryable: retryable[kind], cause: cause}
}

// WithRetryable returns a copy of the error with an explicit retryability,
// overriding the kind's default.
func (e *Error) WithRetryable(r bool) *Error {
	cp := *e
	cp.retryable = r
	return &cp
}

// KindOf extracts the ErrorKind from err, walking the unwrap chain. The
// second return is false if no *Error is found anywhere in the chain.
func KindOf(err error) (ErrorKind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.kind, true
	}
	return "", false
}

// IsRetryable reports whether err is a typed domain error marked retryable.
// A non-domain error is treated as not retryable: only errors this package
// knows how to classify are eligible for automatic retry.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.retryable
	}
	return false
}
