// Package errors provides structured error types for the stress harness.
// Every error carries a category, code, message, and retryable flag so that
// task loops can log a consistent diagnosis for each failed iteration.
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrorCategory classifies errors by harness component.
type ErrorCategory string

const (
	ErrCategorySetup  ErrorCategory = "SETUP"
	ErrCategoryConfig ErrorCategory = "CONFIG"
	ErrCategoryStore  ErrorCategory = "STORE"
	ErrCategoryPool   ErrorCategory = "POOL"
)

// Error codes for each category.
const (
	// Setup codes
	CodeRemoveFailed   = "REMOVE_FAILED"
	CodeOpenFailed     = "OPEN_FAILED"
	CodeSchemaFailed   = "SCHEMA_FAILED"
	CodePragmaRejected = "PRAGMA_REJECTED"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Store codes
	CodeLockTimeout = "LOCK_TIMEOUT"
	CodeStatement   = "STATEMENT_FAILED"
	CodeCorruption  = "CORRUPTION_DETECTED"
	CodeCancelled   = "CANCELLED"

	// Pool codes
	CodeAcquireFailed = "ACQUIRE_FAILED"
	CodePoolClosed    = "POOL_CLOSED"
)

// HarnessError is the structured error type used throughout the harness.
type HarnessError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *HarnessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *HarnessError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *HarnessError) Is(target error) bool {
	var t *HarnessError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new HarnessError.
func New(category ErrorCategory, code, message string) *HarnessError {
	return &HarnessError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new HarnessError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *HarnessError {
	return &HarnessError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// IsRetryable checks whether an error (or its chain) is retryable.
// The harness never retries on its own; the flag is reported in logs only.
func IsRetryable(err error) bool {
	var he *HarnessError
	if errors.As(err, &he) {
		return he.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a HarnessError.
func GetCategory(err error) ErrorCategory {
	var he *HarnessError
	if errors.As(err, &he) {
		return he.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a HarnessError.
func GetCode(err error) string {
	var he *HarnessError
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

// IsCancellation reports whether err is the result of a cancelled or expired context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ClassifyStatement wraps a failed statement error with a store code derived
// from the SQLite result code. A nil err returns nil.
func ClassifyStatement(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsCancellation(err) {
		return Wrap(ErrCategoryStore, CodeCancelled, op+" cancelled", err)
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return Wrap(ErrCategoryStore, CodeLockTimeout, op+" exceeded busy timeout", err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return Wrap(ErrCategoryStore, CodeCorruption, op+" hit a corrupt database", err)
		}
	}
	return Wrap(ErrCategoryStore, CodeStatement, op+" failed", err)
}

// isRetryable marks contention failures as retryable.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStore && code == CodeLockTimeout:
		return true
	case category == ErrCategoryPool && code == CodeAcquireFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewSetupError(code, message string, cause error) *HarnessError {
	return Wrap(ErrCategorySetup, code, message, cause)
}

func NewConfigError(message string) *HarnessError {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewPoolError(code, message string, cause error) *HarnessError {
	return Wrap(ErrCategoryPool, code, message, cause)
}
