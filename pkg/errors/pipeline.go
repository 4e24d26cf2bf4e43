package errors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a category of pipeline failure.
type ErrorCode string

// Pipeline error codes.
const (
	ErrCodeMalformedRow      ErrorCode = "MALFORMED_ROW"
	ErrCodeBatchQueryFailed  ErrorCode = "BATCH_QUERY_FAILED"
	ErrCodeWindowWriteFailed ErrorCode = "WINDOW_WRITE_FAILED"
	ErrCodeLockUnavailable   ErrorCode = "LOCK_UNAVAILABLE"
	ErrCodeSourceReadFailed  ErrorCode = "SOURCE_READ_FAILED"
	ErrCodeCancelled         ErrorCode = "CANCELLED"
)

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code        ErrorCode
	Retryable   bool
	Description string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	ErrCodeMalformedRow: {
		Code:        ErrCodeMalformedRow,
		Retryable:   false,
		Description: "Source row has an unparseable timestamp or sent flag",
	},
	ErrCodeBatchQueryFailed: {
		Code:        ErrCodeBatchQueryFailed,
		Retryable:   true,
		Description: "Batch duplicate-detection query failed; batch signal degraded",
	},
	ErrCodeWindowWriteFailed: {
		Code:        ErrCodeWindowWriteFailed,
		Retryable:   true,
		Description: "Transactional window write failed; watermark not advanced",
	},
	ErrCodeLockUnavailable: {
		Code:        ErrCodeLockUnavailable,
		Retryable:   true,
		Description: "Another writer holds the output-stream lock",
	},
	ErrCodeSourceReadFailed: {
		Code:        ErrCodeSourceReadFailed,
		Retryable:   true,
		Description: "Reading the raw communication log failed",
	},
	ErrCodeCancelled: {
		Code:        ErrCodeCancelled,
		Retryable:   false,
		Description: "Run cancelled before the final write",
	},
}

// PipelineError is an error carrying a pipeline error code and the stage
// in which it occurred.
type PipelineError struct {
	Code  ErrorCode
	Stage string
	Err   error
}

// NewPipelineError wraps err with a code and stage.
func NewPipelineError(code ErrorCode, stage string, err error) *PipelineError {
	return &PipelineError{Code: code, Stage: stage, Err: err}
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s [%s]", e.Code, e.Stage)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Code, e.Stage, e.Err)
}

// Unwrap returns the wrapped error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error code is registered as retryable.
func (e *PipelineError) IsRetryable() bool {
	info, ok := ErrorCodeRegistry[e.Code]
	return ok && info.Retryable
}

// CodeOf returns the pipeline error code in err's chain, or "" when none.
func CodeOf(err error) ErrorCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
