// Package errors provides error codes and typed errors for the sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure that callers branch on.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Storage errors
	ErrStorage   ErrorCode = "STORAGE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"
	ErrLeaseHeld ErrorCode = "LEASE_HELD"

	// Sync errors
	ErrSyncFailed  ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout ErrorCode = "SYNC_TIMEOUT"
	ErrSyncHTTP    ErrorCode = "SYNC_HTTP"

	// Conflict errors
	ErrConflictUnresolved ErrorCode = "CONFLICT_UNRESOLVED"
	ErrConflictNotFound   ErrorCode = "CONFLICT_NOT_FOUND"
	ErrChecksumFailed     ErrorCode = "CHECKSUM_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// StorageError reports a failed local persistence call.
// Operation is the store method ("put", "dequeue", ...) and Key the record,
// operation or kv key involved, if any.
type StorageError struct {
	Operation string
	Key       string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("[%s] %s %s: %v", ErrStorage, e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", ErrStorage, e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err as a StorageError. A nil err yields nil.
func NewStorageError(operation, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Operation: operation, Key: key, Err: err}
}

// NotFoundError reports that a record, operation or key does not exist.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("[%s] %s %s not found", ErrNotFound, e.Kind, e.Key)
}

// NewNotFound creates a NotFoundError.
func NewNotFound(kind, key string) error {
	return &NotFoundError{Kind: kind, Key: key}
}

// Is reports whether err, or anything it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.Code == code {
		return true
	}
	switch code {
	case ErrStorage:
		return IsStorage(err)
	case ErrNotFound:
		return IsNotFound(err)
	}
	return false
}

// IsStorage reports whether err is or wraps a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return stderrors.As(err, &nf)
}
