package errors

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"topic-chat/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ErrorHandler returns a middleware that renders the first error a handler
// attached with c.Error as a structured JSON body
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		appErr := FromError(c.Errors[0].Err)

		log := logger.FromContext(c)
		args := []any{
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"status_code", appErr.StatusCode,
			"error_code", appErr.Code,
			"message", appErr.Message,
		}
		if appErr.Err != nil {
			args = append(args, "cause", appErr.Err.Error())
		}
		log.Warn("request failed", args...)

		// a streaming handler may already have committed its response
		if c.Writer.Written() {
			c.Abort()
			return
		}
		c.AbortWithStatusJSON(appErr.StatusCode, Body(appErr))
	}
}

// RecoveryWithLogger returns a middleware that recovers from panics and
// logs them with the request-scoped logger. http.ErrAbortHandler is
// re-raised so the server tears down the connection.
func RecoveryWithLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if r == http.ErrAbortHandler {
				panic(r)
			}

			stack := string(debug.Stack())
			logger.FromContext(c).Error("panic recovered",
				"error", r,
				"stack", stack,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)

			appErr := Internal()
			if gin.Mode() == gin.DebugMode {
				appErr.Details = fmt.Sprintf("panic: %v", r)
			}
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(appErr.StatusCode, Body(appErr))
		}()

		c.Next()
	}
}
