package storage

import (
	"fmt"

	"github.com/goccy/go-json"

	"qrkeeper/internal/common"
	"qrkeeper/internal/storage/schema"
)

// Record is the unit of storage: a JSON object with a declared shape.
// Fields not declared by the store's schema pass through untouched.
type Record map[string]any

// String returns the string value under key, or "" when absent or not a
// string.
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int64 returns the numeric value under key, tolerating the numeric types a
// record can hold before and after a JSON round trip.
func (r Record) Int64(key string) int64 {
	switch n := r[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// Bool returns the boolean value under key, or false.
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Clone returns a shallow copy. The engine clones before mutating so caller
// maps never observe encryption side effects.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ToRecord converts a typed value to a Record through its JSON form.
func ToRecord(v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: to record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("storage: to record: %w", err)
	}
	return rec, nil
}

// FromRecord converts a Record back into a typed value.
func FromRecord(rec Record, v any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: from record: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("storage: from record: %w", err)
	}
	return nil
}

// validate checks the record against the store's declared shape: required
// fields must be present and declared fields must carry the declared kind.
func validate(def schema.StoreDef, rec Record) error {
	for _, f := range def.Fields {
		v, ok := rec[f.Name]
		if !ok || v == nil {
			if f.Required {
				return fmt.Errorf("%w: store %s: missing required field %q", common.ErrValidation, def.Name, f.Name)
			}
			continue
		}
		if !kindMatches(f.Kind, v) {
			return fmt.Errorf("%w: store %s: field %q has wrong type %T", common.ErrValidation, def.Name, f.Name, v)
		}
	}
	return nil
}

func kindMatches(kind schema.Kind, v any) bool {
	switch kind {
	case schema.KindAny:
		return true
	case schema.KindString:
		_, ok := v.(string)
		return ok
	case schema.KindBool:
		_, ok := v.(bool)
		return ok
	case schema.KindNumber:
		switch v.(type) {
		case float64, float32, int, int8, int16, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case schema.KindObject:
		switch v.(type) {
		case map[string]any, map[string]string:
			return true
		}
		return false
	}
	return false
}
