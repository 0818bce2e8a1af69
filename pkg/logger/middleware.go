package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// ContextKey is the gin key holding the request-scoped logger
	ContextKey = "logger"
	// RequestIDHeader carries the request id in both directions
	RequestIDHeader = "X-Request-ID"
)

// Middleware returns a gin middleware that attaches a request-scoped
// logger and logs every request once it has been served
func Middleware(logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)
		c.Set("requestID", requestID)

		reqLogger := logger.WithRequestID(requestID)
		// userId travels as a query or form field in this API
		if userID := c.Query("userId"); userID != "" {
			reqLogger = reqLogger.WithUserID(userID)
		}
		c.Set(ContextKey, reqLogger)

		start := time.Now()
		c.Next()

		method := c.Request.Method
		path := c.Request.URL.Path
		reqLogger.LogRequest(method, path, c.Writer.Status(), time.Since(start))

		for _, err := range c.Errors {
			reqLogger.LogError(err.Err, "request error",
				"method", method,
				"path", path,
				"error_type", err.Type,
			)
		}
	}
}

// FromContext returns the request-scoped logger stored by Middleware,
// falling back to the global logger
func FromContext(c *gin.Context) *Logger {
	if v, ok := c.Get(ContextKey); ok {
		if l, ok := v.(*Logger); ok {
			return l
		}
	}
	return GetGlobal()
}
