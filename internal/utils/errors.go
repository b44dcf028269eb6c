package utils

import (
	"errors"
	"fmt"

	"github.com/dl-alexandre/dbxsync/internal/types"
)

// Exit codes
const (
	ExitSuccess = 0
	// Auth errors (10-19)
	ExitAuthRequired = 10
	ExitAuthExpired  = 11
	// Remote errors (20-29)
	ExitNotFound         = 20
	ExitPermissionDenied = 21
	ExitConflict         = 22
	// Network errors (30-39)
	ExitNetworkError  = 30
	ExitTimeout       = 31
	ExitRateLimited   = 32
	ExitScrollExpired = 33
	// Validation errors (40-49)
	ExitInvalidArgument = 40
	ExitInvalidConfig   = 41
	ExitMalformedEntry  = 42
	// Run errors (50-59)
	ExitScopeFailed         = 50
	ExitIncompleteTraversal = 51
	// Batch errors
	ExitBatchPartialFailure = 60
	// Unknown
	ExitUnknown = 99
)

// Error codes (tool-owned, stable)
const (
	ErrCodeAuthRequired        = "AUTH_REQUIRED"
	ErrCodeAuthExpired         = "AUTH_EXPIRED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodePermissionDenied    = "PERMISSION_DENIED"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeNetworkError        = "NETWORK_ERROR"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeScrollExpired       = "SCROLL_EXPIRED"
	ErrCodeInvalidArgument     = "INVALID_ARGUMENT"
	ErrCodeInvalidConfig       = "INVALID_CONFIG"
	ErrCodeMalformedEntry      = "MALFORMED_ENTRY"
	ErrCodeScopeFailed         = "SCOPE_ENUMERATION_FAILED"
	ErrCodeIncompleteTraversal = "INCOMPLETE_TRAVERSAL"
	ErrCodeBatchPartialFailure = "BATCH_PARTIAL_FAILURE"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeUnknown             = "UNKNOWN"
)

// CLIErrorBuilder helps construct CLIError instances
type CLIErrorBuilder struct {
	err types.CLIError
}

// NewCLIError creates a new error builder
func NewCLIError(code, message string) *CLIErrorBuilder {
	return &CLIErrorBuilder{
		err: types.CLIError{
			Code:    code,
			Message: message,
		},
	}
}

func (b *CLIErrorBuilder) WithHTTPStatus(status int) *CLIErrorBuilder {
	b.err.HTTPStatus = status
	return b
}

func (b *CLIErrorBuilder) WithReason(reason string) *CLIErrorBuilder {
	b.err.Reason = reason
	return b
}

func (b *CLIErrorBuilder) WithRetryable(retryable bool) *CLIErrorBuilder {
	b.err.Retryable = retryable
	return b
}

func (b *CLIErrorBuilder) WithContext(key string, value interface{}) *CLIErrorBuilder {
	if b.err.Context == nil {
		b.err.Context = make(map[string]interface{})
	}
	b.err.Context[key] = value
	return b
}

func (b *CLIErrorBuilder) Build() types.CLIError {
	return b.err
}

// GetExitCode returns the exit code for an error code
func GetExitCode(errorCode string) int {
	mapping := map[string]int{
		ErrCodeAuthRequired:        ExitAuthRequired,
		ErrCodeAuthExpired:         ExitAuthExpired,
		ErrCodeNotFound:            ExitNotFound,
		ErrCodePermissionDenied:    ExitPermissionDenied,
		ErrCodeConflict:            ExitConflict,
		ErrCodeNetworkError:        ExitNetworkError,
		ErrCodeTimeout:             ExitTimeout,
		ErrCodeRateLimited:         ExitRateLimited,
		ErrCodeScrollExpired:       ExitScrollExpired,
		ErrCodeInvalidArgument:     ExitInvalidArgument,
		ErrCodeInvalidConfig:       ExitInvalidConfig,
		ErrCodeMalformedEntry:      ExitMalformedEntry,
		ErrCodeScopeFailed:         ExitScopeFailed,
		ErrCodeIncompleteTraversal: ExitIncompleteTraversal,
		ErrCodeBatchPartialFailure: ExitBatchPartialFailure,
	}
	if code, ok := mapping[errorCode]; ok {
		return code
	}
	return ExitUnknown
}

// AppError is a custom error type that carries CLI error info
type AppError struct {
	CLIError types.CLIError
	Err      error
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.CLIError.Code, e.CLIError.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates an AppError from a CLIError
func NewAppError(cliErr types.CLIError) *AppError {
	return &AppError{CLIError: cliErr}
}

// WrapAppError creates an AppError that keeps the underlying cause
func WrapAppError(cliErr types.CLIError, err error) *AppError {
	return &AppError{CLIError: cliErr, Err: err}
}

// AsAppError unwraps err to an AppError if one is in the chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// ErrorCode returns the stable code for err, ErrCodeUnknown when untyped
func ErrorCode(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.CLIError.Code
	}
	return ErrCodeUnknown
}

// IsRetryable reports whether err carries a retryable classification
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.CLIError.Retryable
	}
	return false
}
