// Package errors provides the structured error types used across the
// layer synchronization engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by its sync-level meaning. The orchestrator
// uses kinds to decide whether a failure is isolated to one pair or
// fatal to the whole run.
type Kind string

const (
	// KindAuth marks invalid or expired credentials. Fatal to a run.
	KindAuth Kind = "AUTH"

	// KindNetwork marks a transient transport failure. Retryable.
	KindNetwork Kind = "NETWORK"

	// KindRevisionConflict marks a rejected conditional write: the
	// remote revision moved past the expected one. Triggers
	// re-classification, not a user-visible failure.
	KindRevisionConflict Kind = "REVISION_CONFLICT"

	// KindSchemaIncompatible marks local/remote schemas that cannot be
	// reconciled. The pair is skipped without mutating state.
	KindSchemaIncompatible Kind = "SCHEMA_INCOMPATIBLE"

	// KindStore marks a local persistence failure. Fatal to a run.
	KindStore Kind = "STORE"

	// KindNotFound marks a missing remote map or local layer.
	KindNotFound Kind = "NOT_FOUND"

	// KindValidation marks malformed input or state.
	KindValidation Kind = "VALIDATION"
)

// Operation identifies the sync operation during which an error occurred.
type Operation string

const (
	OpSync        Operation = "sync"
	OpClassify    Operation = "classify"
	OpResolve     Operation = "resolve"
	OpUpload      Operation = "upload"
	OpDownload    Operation = "download"
	OpFingerprint Operation = "fingerprint"
	OpAuth        Operation = "auth"
	OpStore       Operation = "store"
	OpLoad        Operation = "load"
	OpDelete      Operation = "delete"
	OpTransport   Operation = "transport"
	OpClose       Operation = "close"
)

// SyncError represents an error that occurred during synchronization.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "maphub")
	Component string

	// Kind of failure
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Metadata for additional context (pair id, map id, status code)
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

// NewAuthError creates an authentication-related SyncError.
func NewAuthError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindAuth,
		Op:        op,
		Component: "maphub",
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a transient network SyncError.
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindNetwork,
		Op:        op,
		Component: "maphub",
		Err:       cause,
		Retryable: true,
	}
}

// NewRevisionConflictError creates a SyncError for a rejected
// conditional write.
func NewRevisionConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindRevisionConflict,
		Op:        op,
		Component: "maphub",
		Err:       cause,
		Retryable: false,
	}
}

// NewSchemaError creates a SyncError for irreconcilable schemas.
func NewSchemaError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindSchemaIncompatible,
		Op:        op,
		Component: "diff",
		Err:       cause,
		Retryable: false,
	}
}

// NewStoreError creates a persistence-related SyncError.
func NewStoreError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindStore,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// NewNotFoundError creates a SyncError for a missing entity.
func NewNotFoundError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindNotFound,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a validation-related SyncError.
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindValidation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError.
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewRetryable creates a new retryable SyncError.
func NewRetryable(op Operation, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Err:       err,
		Retryable: true,
	}
}

// IsRetryable checks if an error is a retryable SyncError.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of err, or "" if err is not a SyncError.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsFatal reports whether err must abort a whole sync run rather than
// a single pair. Auth and store failures are fatal; everything else is
// isolated per pair.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindStore:
		return true
	}
	return false
}
