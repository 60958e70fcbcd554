// Package logger defines the structured logging contract for authgate.
// Implementations live in internal/infrastructure/monitoring; components depend
// only on this interface so tests can swap in the noop logger.
package logger

import "context"

// Fields is a set of structured key-value pairs attached to a log entry
type Fields map[string]interface{}

// Logger is the structured, context-aware logging interface
type Logger interface {
	// Debug logs a debug message
	Debug(ctx context.Context, msg string, fields ...Fields)

	// Info logs an informational message
	Info(ctx context.Context, msg string, fields ...Fields)

	// Warn logs a warning message
	Warn(ctx context.Context, msg string, fields ...Fields)

	// Error logs an error message with its cause
	Error(ctx context.Context, msg string, err error, fields ...Fields)

	// Fatal logs a fatal message and exits the process
	Fatal(ctx context.Context, msg string, err error, fields ...Fields)

	// WithFields returns a derived logger that attaches fields to every entry
	WithFields(fields Fields) Logger

	// WithComponent returns a derived logger tagged with a component name
	WithComponent(component string) Logger
}
