package errors

import (
	stderrors "errors"
	"net/http"
)

// As extracts an AppError from an error chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// FromError converts any error to an AppError.
// Errors that are not AppErrors become a generic 500 so internal
// error text never reaches the client.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}
	return Internal().Wrap(err)
}

// GetStatusCode extracts the HTTP status code, 500 if not an AppError
func GetStatusCode(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// GetErrorCode extracts the error code, "UNKNOWN_ERROR" if not an AppError
func GetErrorCode(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// Body renders the client-facing JSON body for an error
func Body(appErr *AppError) map[string]any {
	body := map[string]any{
		"error": appErr.Message,
		"code":  appErr.Code,
	}
	if appErr.Details != nil {
		body["details"] = appErr.Details
	}
	return body
}
