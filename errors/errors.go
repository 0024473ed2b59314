// Package errors provides the error taxonomy used by the sync engine.
//
// Every failure that reaches the engine is classified into a Kind. Routing
// inside the lifecycle engine is a switch over KindOf(err) rather than ad-hoc
// probing of status fields.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing purposes.
type Kind string

const (
	// KindTransient failures are retried with backoff.
	KindTransient Kind = "transient"
	// KindConflict failures carry the authoritative server payload and are
	// routed to a conflict resolver.
	KindConflict Kind = "conflict"
	// KindFatal failures are never retried; the operation is rolled back.
	KindFatal Kind = "fatal"
	// KindInvalid marks bad input or configuration.
	KindInvalid Kind = "invalid"
	// KindClosed marks use of a closed component.
	KindClosed Kind = "closed"
	// KindNotFound marks a lookup of an unknown operation or key.
	KindNotFound Kind = "not_found"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeResolverFailure   ErrorCode = "RESOLVER_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeRetriesExhausted  ErrorCode = "RETRIES_EXHAUSTED"
)

// Operation represents the engine operation during which an error occurred
type Operation string

const (
	OpOptimisticUpdate Operation = "optimistic_update"
	OpExecute          Operation = "execute"
	OpRetry            Operation = "retry"
	OpConflictResolve  Operation = "conflict_resolve"
	OpRefresh          Operation = "refresh"
	OpFlush            Operation = "flush"
	OpJournal          Operation = "journal"
	OpConfig           Operation = "config"
	OpTransport        Operation = "transport"
	OpClose            Operation = "close"
)

var (
	// ErrRetrying is informational: the attempt failed and a retry has been
	// scheduled. The operation is still pending.
	ErrRetrying = errors.New("operation failed, retrying")

	// ErrManualResolution is returned when a resolver defers a conflict to a
	// human decision.
	ErrManualResolution = errors.New("manual conflict resolution required")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("sync engine is closed")

	// ErrOperationNotFound is returned when an operation id is unknown.
	ErrOperationNotFound = errors.New("operation not found")
)

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "engine", "journal")
	Component string

	// Kind drives routing in the lifecycle engine
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]any
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewTransient creates a retryable SyncError.
func NewTransient(op Operation, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Kind:      KindTransient,
		Err:       err,
		Retryable: true,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Kind:      KindTransient,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewFatal creates a SyncError that must not be retried.
func NewFatal(op Operation, err error) *SyncError {
	return &SyncError{
		Op:   op,
		Kind: KindFatal,
		Err:  err,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code: ErrCodeValidationFailure,
		Op:   op,
		Kind: KindInvalid,
		Err:  cause,
	}
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Kind:      KindTransient,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// Fatal marks err as non-retryable. Remote operations return it for
// failures where retrying cannot help (validation, authorization).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return NewFatal(OpExecute, err)
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}
