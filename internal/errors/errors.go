package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrTypeCoordination represents duplicate or out-of-order requests
	ErrTypeCoordination ErrorType = "coordination"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypePrecondition represents connectivity, network policy and storage checks
	ErrTypePrecondition ErrorType = "precondition"
	// ErrTypeTransport represents HTTP and stream failures
	ErrTypeTransport ErrorType = "transport"
	// ErrTypeFileSystem represents file system errors
	ErrTypeFileSystem ErrorType = "filesystem"
	// ErrTypeDatabase represents persistence errors
	ErrTypeDatabase ErrorType = "database"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeUnknown represents unknown errors
	ErrTypeUnknown ErrorType = "unknown"
)

// AppError represents an application error with context
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewCoordinationError creates an error for a request that conflicts with
// existing state. Never retried.
func NewCoordinationError(message string) *AppError {
	return &AppError{
		Type:       ErrTypeCoordination,
		Message:    message,
		StatusCode: http.StatusConflict,
		Retryable:  false,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:       ErrTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
		Retryable:  false,
	}
}

// NewPreconditionError creates an error for an unmet transfer precondition
func NewPreconditionError(message string) *AppError {
	return &AppError{
		Type:       ErrTypePrecondition,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Retryable:  true,
	}
}

// NewTransportError creates a new transport error
func NewTransportError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrTypeTransport,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewHTTPStatusError creates a transport error for a non-2xx response
func NewHTTPStatusError(statusCode int) *AppError {
	return &AppError{
		Type:       ErrTypeTransport,
		Message:    fmt.Sprintf("HTTP %d", statusCode),
		StatusCode: statusCode,
		Retryable:  true,
	}
}

// NewFileSystemError creates a new file system error
func NewFileSystemError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrTypeFileSystem,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewDatabaseError creates a new database error
func NewDatabaseError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrTypeDatabase,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Retryable:  false,
		Cause:      cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:       ErrTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Retryable:  false,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetErrorType returns the error type from an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrTypeUnknown
}

// GetStatusCode returns the HTTP status code carried by err, or 500.
func GetStatusCode(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// GetUserMessage returns the short message safe to show to a user. Causes
// are never included.
func GetUserMessage(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	if err == nil {
		return ""
	}
	return "Unexpected error"
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return GetErrorType(err) == ErrTypeNotFound
}

// IsCoordinationError checks if an error is a coordination error
func IsCoordinationError(err error) bool {
	return GetErrorType(err) == ErrTypeCoordination
}
