// Package prefs is the user-preferences repository: upsert semantics keyed
// by preference name, per-key validation, and a key-name heuristic deciding
// which values are encrypted at rest.
package prefs

import "context"

// Entry is one stored preference.
type Entry struct {
	Key           string `json:"key"`
	Value         any    `json:"value"`
	Encrypted     bool   `json:"encrypted"`
	Timestamp     int64  `json:"timestamp"`
	SchemaVersion int64  `json:"schemaVersion"`
}

// Repository is the preferences contract.
type Repository interface {
	// Get resolves key, falling back to def when absent. Absence is never
	// an error.
	Get(ctx context.Context, key string, def any) (any, error)

	// Set creates or replaces key after validation.
	Set(ctx context.Context, key string, value any) error

	// SetMany applies several preferences; it stops at the first failure.
	SetMany(ctx context.Context, values map[string]any) error

	// Delete removes key; absent keys are a no-op.
	Delete(ctx context.Context, key string) error

	// All returns every stored entry keyed by preference name.
	All(ctx context.Context) (map[string]Entry, error)

	// Export serializes all preferences to JSON.
	Export(ctx context.Context) ([]byte, error)

	// Import loads exported preferences, validating each. Returns the
	// number imported.
	Import(ctx context.Context, data []byte) (int, error)
}
