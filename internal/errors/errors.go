// Package errors defines the application error taxonomy used to decide
// retry behaviour and process fate.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeConfiguration indicates invalid static configuration. Fatal at
	// process start; never produced at runtime.
	ErrCodeConfiguration ErrorCode = "configuration"
	// ErrCodeTransient indicates a retryable execution failure (network, 5xx,
	// rate limit, lock contention).
	ErrCodeTransient ErrorCode = "transient"
	// ErrCodePermanent indicates a non-retryable execution failure (bad
	// credentials, unknown symbol, malformed payload).
	ErrCodePermanent ErrorCode = "permanent"
	// ErrCodeIntegrity indicates a data-integrity violation in storage. Fails
	// the run, never retried, alerted.
	ErrCodeIntegrity ErrorCode = "integrity"
	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeTimeout indicates a run or statement deadline was exceeded.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
	// ErrCodeInternal indicates an unclassified internal error. Treated as
	// transient by the retry policy, per the persistence error contract.
	ErrCodeInternal ErrorCode = "internal"
)

// AppError is a structured application error with a code, message, and
// optional cause. It supports errors.Is / errors.As through Unwrap.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Configuration creates a fatal configuration error.
func Configuration(message string) *AppError {
	return &AppError{Code: ErrCodeConfiguration, Message: message}
}

// Configurationf creates a fatal configuration error with a formatted message.
func Configurationf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeConfiguration, Message: fmt.Sprintf(format, args...)}
}

// Transient creates a retryable execution error.
func Transient(message string) *AppError {
	return &AppError{Code: ErrCodeTransient, Message: message}
}

// Permanent creates a non-retryable execution error.
func Permanent(message string) *AppError {
	return &AppError{Code: ErrCodePermanent, Message: message}
}

// NotFound creates a NotFound error.
func NotFound(message string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: message}
}

// NotFoundf creates a NotFound error with a formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Internal creates an Internal error.
func Internal(message string) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message}
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// isCode checks whether an error carries a specific code.
func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsConfiguration checks for a Configuration error.
func IsConfiguration(err error) bool {
	return isCode(err, ErrCodeConfiguration)
}

// IsPermanent checks for a Permanent error.
func IsPermanent(err error) bool {
	return isCode(err, ErrCodePermanent)
}

// IsIntegrity checks for an Integrity error.
func IsIntegrity(err error) bool {
	return isCode(err, ErrCodeIntegrity)
}

// IsNotFound checks for a NotFound error.
func IsNotFound(err error) bool {
	return isCode(err, ErrCodeNotFound)
}

// IsRetryable decides whether the failure handler may retry. Everything not
// explicitly permanent, integrity-violating, or a configuration fault is
// considered transient: unknown failures retry rather than silently dropping
// a collection window.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return true
	}
	switch appErr.Code {
	case ErrCodePermanent, ErrCodeIntegrity, ErrCodeConfiguration, ErrCodeCanceled:
		return false
	default:
		return true
	}
}

// GetCode returns the ErrorCode from an error, or empty string when it is not
// an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
