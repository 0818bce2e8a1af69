package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel names a minimum log level
type LogLevel string

// Log levels
const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config contains logger configuration options
type Config struct {
	// Level is the minimum level to log
	Level string
	// JSON selects the JSON handler, otherwise text is used
	JSON bool
	// Output defaults to os.Stderr
	Output io.Writer
	// AddSource adds source code information to logs
	AddSource bool
}

// DefaultConfig returns the production logger configuration
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		JSON:   true,
		Output: os.Stderr,
	}
}

// Logger wraps slog for structured logging
type Logger struct {
	*slog.Logger
}

var global *Logger

// New creates a new logger with the given configuration.
// The first logger created becomes the global one.
func New(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	l := &Logger{Logger: slog.New(handler)}
	if global == nil {
		global = l
	}
	return l
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func parseLevel(level string) slog.Level {
	switch LogLevel(strings.ToLower(level)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetGlobal sets the global logger instance
func SetGlobal(logger *Logger) {
	global = logger
}

// GetGlobal returns the global logger instance, creating a default one if needed
func GetGlobal() *Logger {
	if global == nil {
		return New(DefaultConfig())
	}
	return global
}

// LogError logs an error with context information
func (l *Logger) LogError(err error, msg string, args ...any) {
	l.Error(msg, append([]any{"error", err.Error()}, args...)...)
}

// With returns a logger carrying the given attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithRequestID adds a request ID to the logger's context
func (l *Logger) WithRequestID(requestID string) *Logger {
	if requestID == "" {
		return l
	}
	return l.With("request_id", requestID)
}

// WithUserID adds a user ID to the logger's context
func (l *Logger) WithUserID(userID string) *Logger {
	if userID == "" {
		return l
	}
	return l.With("user_id", userID)
}

// LogRequest logs details about an HTTP request
func (l *Logger) LogRequest(method, path string, status int, latency time.Duration) {
	l.Info("request completed",
		"method", method,
		"path", path,
		"status", status,
		"latency_ms", latency.Milliseconds(),
	)
}
