// Package errors provides custom error types for the glucosync data layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the failure categories the sync
// engine reasons about. The category decides retry eligibility: Network,
// Timeout and Server failures are transient, Validation and Auth are not,
// and QuotaExceeded is recoverable only through pruning.
type Kind string

const (
	KindQuotaExceeded Kind = "QUOTA_EXCEEDED"
	KindNotFound      Kind = "NOT_FOUND"
	KindNetwork       Kind = "NETWORK_FAILURE"
	KindTimeout       Kind = "TIMEOUT"
	KindAuth          Kind = "AUTH_FAILURE"
	KindValidation    Kind = "VALIDATION_FAILURE"
	KindServer        Kind = "SERVER_FAILURE"
	KindStorage       Kind = "STORAGE_FAILURE"
	KindConstraint    Kind = "CONSTRAINT_VIOLATION"
	KindConflict      Kind = "CONFLICT_FAILURE"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpSync      Operation = "sync"
	OpPush      Operation = "push"
	OpPull      Operation = "pull"
	OpAdd       Operation = "add"
	OpBulkAdd   Operation = "bulk_add"
	OpUpdate    Operation = "update"
	OpDelete    Operation = "delete"
	OpEnqueue   Operation = "enqueue"
	OpQueue     Operation = "queue"
	OpQuery     Operation = "query"
	OpPrune     Operation = "prune"
	OpShare     Operation = "share"
	OpMigrate   Operation = "migrate"
	OpTransport Operation = "transport"
	OpClose     Operation = "close"
)

// SyncError represents an error that occurred in the local store, the
// transport, or the sync engine.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "transport")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Kind of failure
	Kind Kind

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewQuotaError creates a quota-exceeded SyncError. The caller is expected
// to attempt pruning before retrying the write.
func NewQuotaError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindQuotaExceeded,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// NewNotFoundError creates a SyncError for a missing local record
func NewNotFoundError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindNotFound,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// NewConstraintError creates a SyncError for a duplicate-identity insert.
func NewConstraintError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindConstraint,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindStorage,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindNetwork,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewTimeoutError creates a SyncError for a deadline or abort. Treated as
// transient: the item keeps its place in the queue.
func NewTimeoutError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindTimeout,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewAuthError creates a SyncError for a 401/403 response. Not retryable by
// the engine itself; surfaced to the auth collaborator.
func NewAuthError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindAuth,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindValidation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewServerError creates a SyncError for a 5xx response
func NewServerError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindServer,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
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

// FromStatus maps an HTTP response status to a SyncError. 401 and 403 both
// classify as auth failures; any other 4xx is a validation failure (the
// payload itself is bad, retrying cannot help); 5xx is a transient server
// failure.
func FromStatus(op Operation, status int, cause error) *SyncError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewAuthError(op, cause)
	case status == http.StatusRequestTimeout:
		return NewTimeoutError(op, cause)
	case status >= 400 && status < 500:
		return NewValidationError(op, cause)
	case status >= 500:
		return NewServerError(op, cause)
	default:
		return NewWithComponent(op, "transport", cause)
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of the error, or the empty Kind when the error is
// not a SyncError.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}

// IsKind reports whether the error is a SyncError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsQuotaExceeded reports whether the error is a quota-exceeded failure.
// SafeAdd special-cases this to trigger a prune-and-retry cycle.
func IsQuotaExceeded(err error) bool {
	return IsKind(err, KindQuotaExceeded)
}

// IsNotFound reports whether the error refers to a missing local record.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsAuth reports whether the error is an authentication/authorization
// failure. A sweep that hits one stops without consuming retry budget.
func IsAuth(err error) bool {
	return IsKind(err, KindAuth)
}

// IsTerminal reports whether the error should dead-letter a queue item
// immediately instead of consuming its retry budget.
func IsTerminal(err error) bool {
	return IsKind(err, KindValidation)
}
