package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
)

// KetoError is the structured error type used across ketorank.
// It carries enough context for logging, CLI presentation and retry decisions.
type KetoError struct {
	// Code is the unique error code (e.g., "ERR_304_SOURCE_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Backend, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable hint for the operator.
	Suggestion string
}

// Error implements the error interface.
func (e *KetoError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *KetoError) Unwrap() error {
	return e.Cause
}

// Is matches another KetoError by code so errors.Is works against the
// sentinel values exported by other packages.
func (e *KetoError) Is(target error) bool {
	if t, ok := target.(*KetoError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail and returns the error for chaining.
func (e *KetoError) WithDetail(key, value string) *KetoError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion sets an actionable suggestion.
func (e *KetoError) WithSuggestion(suggestion string) *KetoError {
	e.Suggestion = suggestion
	return e
}

// New creates a KetoError. Category, severity and retryability are derived from the code.
func New(code string, message string, cause error) *KetoError {
	return &KetoError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a KetoError from an existing error, reusing its message.
func Wrap(code string, err error) *KetoError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *KetoError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// IOError creates an I/O-related error. A permission failure in cause gets
// ErrCodeFilePermission; anything else ErrCodeFileNotFound.
func IOError(message string, cause error) *KetoError {
	if stderrors.Is(cause, fs.ErrPermission) {
		return New(ErrCodeFilePermission, message, cause)
	}
	return New(ErrCodeFileNotFound, message, cause)
}

// BackendError creates an error for an unreachable storage or model backend.
// Backend errors are retryable.
func BackendError(message string, cause error) *KetoError {
	return New(ErrCodeSourceUnavailable, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *KetoError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an error for a broken invariant inside ketorank.
func InternalError(message string, cause error) *KetoError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable reports whether err (or anything it wraps) is a retryable KetoError.
func IsRetryable(err error) bool {
	var ke *KetoError
	if stderrors.As(err, &ke) {
		return ke.Retryable
	}
	return false
}

// IsFatal reports whether err carries fatal severity.
func IsFatal(err error) bool {
	var ke *KetoError
	if stderrors.As(err, &ke) {
		return ke.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code, or "" if err is not a KetoError.
func GetCode(err error) string {
	var ke *KetoError
	if stderrors.As(err, &ke) {
		return ke.Code
	}
	return ""
}

// GetCategory extracts the category, or "" if err is not a KetoError.
func GetCategory(err error) Category {
	var ke *KetoError
	if stderrors.As(err, &ke) {
		return ke.Category
	}
	return ""
}
