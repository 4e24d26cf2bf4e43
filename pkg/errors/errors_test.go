package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestSentinelChecks(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		check   func(error) bool
		matches bool
	}{
		{"not found direct", ErrNotFound, IsNotFound, true},
		{"not found wrapped", fmt.Errorf("template: %w", ErrNotFound), IsNotFound, true},
		{"validation wrapped", fmt.Errorf("row 7: %w", ErrValidation), IsValidation, true},
		{"conflict", ErrConflict, IsConflict, true},
		{"invalid state", ErrInvalidState, IsInvalidState, true},
		{"lock held", fmt.Errorf("acquire: %w", ErrLockHeld), IsLockHeld, true},
		{"mismatch", ErrNotFound, IsConflict, false},
		{"nil", nil, IsNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check(tt.err); got != tt.matches {
				t.Errorf("check(%v) = %v, want %v", tt.err, got, tt.matches)
			}
		})
	}
}

func TestPipelineError(t *testing.T) {
	inner := stderrors.New("connection reset")
	err := NewPipelineError(ErrCodeBatchQueryFailed, "automation", inner)

	if !stderrors.Is(err, inner) {
		t.Error("expected wrapped error to be found in chain")
	}
	if !err.IsRetryable() {
		t.Error("batch query failures should be retryable")
	}
	if CodeOf(fmt.Errorf("run failed: %w", err)) != ErrCodeBatchQueryFailed {
		t.Errorf("CodeOf = %q, want %q", CodeOf(err), ErrCodeBatchQueryFailed)
	}
}

func TestPipelineError_Terminal(t *testing.T) {
	err := NewPipelineError(ErrCodeMalformedRow, "normalize", nil)
	if err.IsRetryable() {
		t.Error("malformed rows should not be retryable")
	}
	if err.Error() == "" {
		t.Error("expected non-empty error string")
	}
}

func TestErrorCodeRegistry_Complete(t *testing.T) {
	codes := []ErrorCode{
		ErrCodeMalformedRow,
		ErrCodeBatchQueryFailed,
		ErrCodeWindowWriteFailed,
		ErrCodeLockUnavailable,
		ErrCodeSourceReadFailed,
		ErrCodeCancelled,
	}
	for _, code := range codes {
		info, ok := ErrorCodeRegistry[code]
		if !ok {
			t.Errorf("code %s missing from registry", code)
			continue
		}
		if info.Description == "" {
			t.Errorf("code %s has no description", code)
		}
	}
}

func TestCodeOf_NoPipelineError(t *testing.T) {
	if CodeOf(stderrors.New("plain")) != "" {
		t.Error("expected empty code for non-pipeline error")
	}
}
