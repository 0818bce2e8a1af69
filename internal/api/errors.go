package api

import (
	"errors"
	"strconv"
	"strings"

	"topic-chat/backend/internal/service"
	apperrors "topic-chat/backend/pkg/errors"

	"github.com/gin-gonic/gin"
)

// toAppError maps service sentinels onto the client error taxonomy.
// Anything unrecognised is a store failure.
func toAppError(err error) *apperrors.AppError {
	if appErr, ok := apperrors.As(err); ok {
		return appErr
	}
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return apperrors.InvalidInput(strings.TrimPrefix(err.Error(), service.ErrInvalidInput.Error()+": "))
	case errors.Is(err, service.ErrNotFound):
		return apperrors.NotFound(err.Error())
	case errors.Is(err, service.ErrForbidden):
		return apperrors.Forbidden(err.Error())
	default:
		return apperrors.PersistenceFailure("database operation failed").Wrap(err)
	}
}

// fail attaches err for the error middleware
func fail(c *gin.Context, err error) {
	_ = c.Error(toAppError(err))
}

// param reads a field from the JSON-less parts of a request: form body first, then query
func param(c *gin.Context, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(c.PostForm(name)); v != "" {
			return v
		}
		if v := strings.TrimSpace(c.Query(name)); v != "" {
			return v
		}
	}
	return ""
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return fallback
	}
	return v
}
