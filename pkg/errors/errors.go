package errors

import (
	"fmt"
	"net/http"
)

// Error codes returned to clients
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeNotFound           = "NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeConfiguration      = "CONFIGURATION_ERROR"
	CodeUpstreamFailure    = "UPSTREAM_FAILURE"
	CodePersistenceFailure = "PERSISTENCE_FAILURE"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeServerError        = "SERVER_ERROR"
)

// AppError represents an application error with HTTP status code and error code
type AppError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
	Details    any    `json:"details,omitempty"`
	// Err is the underlying cause; it is logged but never rendered
	Err error `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Wrap attaches an underlying cause
func (e *AppError) Wrap(err error) *AppError {
	e.Err = err
	return e
}

// NewError creates a new application error
func NewError(statusCode int, code string, message string) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
	}
}

// InvalidInput creates a 400 error for missing or malformed fields
func InvalidInput(message string) *AppError {
	return NewError(http.StatusBadRequest, CodeInvalidInput, message)
}

// NotFound creates a 404 error
func NotFound(message string) *AppError {
	return NewError(http.StatusNotFound, CodeNotFound, message)
}

// Forbidden creates a 403 error for ownership mismatches
func Forbidden(message string) *AppError {
	return NewError(http.StatusForbidden, CodeForbidden, message)
}

// ConfigurationError creates a 500 error for missing server-side configuration
func ConfigurationError(message string) *AppError {
	return NewError(http.StatusInternalServerError, CodeConfiguration, message)
}

// UpstreamFailure creates a 500 error for model call failures
func UpstreamFailure(message string) *AppError {
	return NewError(http.StatusInternalServerError, CodeUpstreamFailure, message)
}

// PersistenceFailure creates a 500 error for store failures on primary operations
func PersistenceFailure(message string) *AppError {
	return NewError(http.StatusInternalServerError, CodePersistenceFailure, message)
}

// TooManyRequests creates a 429 error
func TooManyRequests(message string) *AppError {
	return NewError(http.StatusTooManyRequests, CodeRateLimitExceeded, message)
}

// Internal creates a generic 500 error
func Internal() *AppError {
	return NewError(http.StatusInternalServerError, CodeServerError, "The server encountered an unexpected error")
}

// Is reports whether err is an AppError with the same code as target
func Is(err error, target *AppError) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	return appErr.Code == target.Code
}
