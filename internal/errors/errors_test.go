package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestHarnessError_Error(t *testing.T) {
	err := New(ErrCategorySetup, CodeRemoveFailed, "remove failed")
	expected := "[SETUP:REMOVE_FAILED] remove failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestHarnessError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("permission denied")
	err := Wrap(ErrCategorySetup, CodeOpenFailed, "open failed", cause)
	expected := "[SETUP:OPEN_FAILED] open failed: permission denied"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestHarnessError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryStore, CodeStatement, "insert failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestHarnessError_Is(t *testing.T) {
	err1 := New(ErrCategoryStore, CodeLockTimeout, "first")
	err2 := New(ErrCategoryStore, CodeLockTimeout, "second")
	err3 := New(ErrCategoryStore, CodeStatement, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStore, CodeLockTimeout, true},
		{ErrCategoryStore, CodeStatement, false},
		{ErrCategoryStore, CodeCorruption, false},
		{ErrCategoryStore, CodeCancelled, false},
		{ErrCategoryPool, CodeAcquireFailed, true},
		{ErrCategoryPool, CodePoolClosed, false},
		{ErrCategorySetup, CodeSchemaFailed, false},
		{ErrCategoryConfig, CodeInvalidConfig, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewPoolError(CodePoolClosed, "closed", nil))
	if GetCategory(err) != ErrCategoryPool {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryPool)
	}
	if GetCode(err) != CodePoolClosed {
		t.Errorf("got %q, want %q", GetCode(err), CodePoolClosed)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-HarnessError should return empty category")
	}
}

func TestClassifyStatement(t *testing.T) {
	if ClassifyStatement("insert", nil) != nil {
		t.Fatal("nil error should classify to nil")
	}

	tests := []struct {
		name string
		err  error
		code string
	}{
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, CodeLockTimeout},
		{"locked", fmt.Errorf("exec: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), CodeLockTimeout},
		{"corrupt", sqlite3.Error{Code: sqlite3.ErrCorrupt}, CodeCorruption},
		{"cancelled", context.Canceled, CodeCancelled},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), CodeCancelled},
		{"other", fmt.Errorf("disk I/O error"), CodeStatement},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyStatement("insert", tt.err)
			if GetCategory(err) != ErrCategoryStore {
				t.Errorf("category = %q, want %q", GetCategory(err), ErrCategoryStore)
			}
			if GetCode(err) != tt.code {
				t.Errorf("code = %q, want %q", GetCode(err), tt.code)
			}
			if !errors.Is(err, tt.err) {
				t.Error("classified error should wrap the original")
			}
		})
	}
}
