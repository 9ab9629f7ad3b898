package prefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"qrkeeper/internal/common"
	"qrkeeper/internal/storage"
	"qrkeeper/internal/storage/schema"
)

// sensitiveKeyParts mark preference keys whose values must be encrypted:
// a case-insensitive substring match against the key name.
var sensitiveKeyParts = []string{
	"apikey", "authtoken", "password", "secret", "privatekey", "personalinfo",
}

// Validator rejects values a key must not hold.
type Validator func(any) error

// OneOf permits only the enumerated string values.
func OneOf(allowed ...string) Validator {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: expected string", common.ErrValidation)
		}
		for _, a := range allowed {
			if s == a {
				return nil
			}
		}
		return fmt.Errorf("%w: %q not in %v", common.ErrValidation, s, allowed)
	}
}

// IntRange permits numbers within [min, max].
func IntRange(min, max int64) Validator {
	return func(v any) error {
		n, ok := asInt64(v)
		if !ok {
			return fmt.Errorf("%w: expected number", common.ErrValidation)
		}
		if n < min || n > max {
			return fmt.Errorf("%w: %d outside [%d, %d]", common.ErrValidation, n, min, max)
		}
		return nil
	}
}

// Bool permits only booleans.
func Bool() Validator {
	return func(v any) error {
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%w: expected boolean", common.ErrValidation)
		}
		return nil
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Defaults are the built-in preference values resolved when a key is
// absent and the caller passes no default of its own.
var Defaults = map[string]any{
	"theme":               "system",
	"historyLimit":        int64(500),
	"vibrateOnScan":       true,
	"soundOnScan":         false,
	"autoOpenLinks":       false,
	"keepFailedRequests":  false,
	"safetyCheckEnabled":  true,
	"syncEnabled":         true,
	"cameraFacing":        "environment",
	"preferredCodeFormat": "qr",
}

// Validators are the built-in per-key validators.
var Validators = map[string]Validator{
	"theme":               OneOf("system", "light", "dark"),
	"historyLimit":        IntRange(10, 10000),
	"vibrateOnScan":       Bool(),
	"soundOnScan":         Bool(),
	"autoOpenLinks":       Bool(),
	"keepFailedRequests":  Bool(),
	"safetyCheckEnabled":  Bool(),
	"syncEnabled":         Bool(),
	"cameraFacing":        OneOf("environment", "user"),
	"preferredCodeFormat": OneOf("qr", "aztec", "datamatrix"),
}

// EngineRepository implements Repository on the storage engine.
type EngineRepository struct {
	engine     *storage.Engine
	defaults   map[string]any
	validators map[string]Validator
}

func NewEngineRepository(engine *storage.Engine) *EngineRepository {
	return &EngineRepository{engine: engine, defaults: Defaults, validators: Validators}
}

// IsSensitiveKey reports whether values under this key are encrypted at
// rest.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

func sensitiveFor(key string) []string {
	if IsSensitiveKey(key) {
		return []string{"value"}
	}
	return nil
}

func (r *EngineRepository) Get(ctx context.Context, key string, def any) (any, error) {
	raw, err := r.engine.Get(ctx, schema.UserPreferences, key, sensitiveFor(key))
	if err != nil {
		return nil, fmt.Errorf("prefs: get %q: %w", key, err)
	}
	if raw == nil {
		if def != nil {
			return def, nil
		}
		if builtin, ok := r.defaults[key]; ok {
			return builtin, nil
		}
		return nil, nil
	}
	return raw["value"], nil
}

func (r *EngineRepository) Set(ctx context.Context, key string, value any) error {
	if key == "" {
		return fmt.Errorf("prefs: %w: empty key", common.ErrValidation)
	}
	if v, ok := r.validators[key]; ok {
		if err := v(value); err != nil {
			return fmt.Errorf("prefs: set %q: %w", key, err)
		}
	}

	sensitive := sensitiveFor(key)
	rec := storage.Record{"key": key, "value": value}

	// upsert: replace when present, insert otherwise; timestamp is the
	// last-write time
	err := r.engine.Update(ctx, schema.UserPreferences, key,
		storage.Record{"value": value, "timestamp": time.Now().UnixMilli()}, sensitive)
	if errors.Is(err, common.ErrNotFound) {
		err = r.engine.Add(ctx, schema.UserPreferences, rec, sensitive)
		if err != nil {
			// a concurrent first write can insert the key between the
			// miss and the add; the row exists now, so update it
			err = r.engine.Update(ctx, schema.UserPreferences, key,
				storage.Record{"value": value, "timestamp": time.Now().UnixMilli()}, sensitive)
		}
	}
	if err != nil {
		return fmt.Errorf("prefs: set %q: %w", key, err)
	}
	return nil
}

func (r *EngineRepository) SetMany(ctx context.Context, values map[string]any) error {
	for key, value := range values {
		if err := r.Set(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (r *EngineRepository) Delete(ctx context.Context, key string) error {
	if err := r.engine.Delete(ctx, schema.UserPreferences, key); err != nil {
		return fmt.Errorf("prefs: delete %q: %w", key, err)
	}
	return nil
}

func (r *EngineRepository) All(ctx context.Context) (map[string]Entry, error) {
	raws, err := r.engine.GetAll(ctx, schema.UserPreferences, nil)
	if err != nil {
		return nil, fmt.Errorf("prefs: all: %w", err)
	}
	out := make(map[string]Entry, len(raws))
	for _, raw := range raws {
		key := raw.String("key")
		if raw.Bool("encrypted") {
			// re-read through the declared sensitive set to decrypt
			dec, err := r.engine.Get(ctx, schema.UserPreferences, key, []string{"value"})
			if err != nil {
				return nil, fmt.Errorf("prefs: all: %w", err)
			}
			raw = dec
		}
		var e Entry
		if err := storage.FromRecord(raw, &e); err != nil {
			return nil, err
		}
		out[key] = e
	}
	return out, nil
}

func (r *EngineRepository) Export(ctx context.Context) ([]byte, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any, len(all))
	for k, e := range all {
		values[k] = e.Value
	}
	return json.Marshal(values)
}

func (r *EngineRepository) Import(ctx context.Context, data []byte) (int, error) {
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return 0, fmt.Errorf("prefs: import: %w", err)
	}
	imported := 0
	for key, value := range values {
		if err := r.Set(ctx, key, value); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
