// Package logging defines the minimal structured-logging interface used
// across qrkeeper. The default implementation wraps log/slog; tests may
// substitute a recording logger.
package logging

import "context"

// Logger is a context-aware, structured logger. Variadic args are
// interpreted as alternating key-value pairs:
//
//	log.Info(ctx, "drain finished", "processed", n, "failed", f)
type Logger interface {
	// Debug logs fine-grained diagnostic output.
	Debug(ctx context.Context, msg string, args ...any)

	// Info logs an informational message.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs unusual but non-fatal conditions.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always carries the given pairs.
	With(args ...any) Logger
}
