package memgate

import (
	"context"

	"github.com/velmie/memgate/correlation"
)

// Logger provides structured logging hooks. *slog.Logger satisfies it.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)
	// Info logs an informational message.
	Info(msg string, args ...any)
	// Warn logs a warning message.
	Warn(msg string, args ...any)
	// Error logs an error message.
	Error(msg string, args ...any)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// logArgs prefixes args with the correlation id carried by ctx, if any, so
// every line about one write can be found by that id.
func logArgs(ctx context.Context, args ...any) []any {
	id := correlation.FromContext(ctx)
	if id.IsZero() {
		return args
	}

	return append([]any{"correlation_id", id.String()}, args...)
}
