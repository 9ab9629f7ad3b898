// Package schema is the declarative registry of logical stores: their
// physical tables, record shape used for validation, secondary indexes and
// the current schema version. Upgrade steps between versions live in the
// embedded migrations directory, one goose file per version.
package schema

// Version is the current schema version stamped onto every written record.
const Version = 2

// Store names as seen by repositories and the facade.
const (
	ScanHistory     = "scanHistory"
	UserPreferences = "userPreferences"
	QueuedRequests  = "queuedRequests"
)

// Kind is the JSON kind a declared field must have when present.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
	// KindAny skips the type check; used for opaque values.
	KindAny Kind = "any"
)

// Field declares one record field for shape validation. Fields not declared
// here are permitted and pass through untouched.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
}

// Index declares a secondary index over a JSON path within the record.
type Index struct {
	Name string
	Path string // json_extract path, e.g. "$.timestamp"
}

// StoreDef describes one logical store.
type StoreDef struct {
	Name     string
	Table    string
	KeyField string // record field holding the primary key
	Fields   []Field
	Indexes  []Index
}

var stores = []StoreDef{
	{
		Name:     ScanHistory,
		Table:    "scan_history",
		KeyField: "id",
		Fields: []Field{
			{Name: "id", Kind: KindString, Required: true},
			{Name: "content", Kind: KindString, Required: true},
			{Name: "type", Kind: KindString, Required: true},
			{Name: "timestamp", Kind: KindNumber, Required: true},
			{Name: "safetyStatus", Kind: KindString},
			{Name: "safetyDetails", Kind: KindString},
			{Name: "synced", Kind: KindBool},
			{Name: "encrypted", Kind: KindBool},
			{Name: "schemaVersion", Kind: KindNumber, Required: true},
		},
		Indexes: []Index{
			{Name: "timestamp", Path: "$.timestamp"},
			{Name: "safetyStatus", Path: "$.safetyStatus"},
			{Name: "synced", Path: "$.synced"},
		},
	},
	{
		Name:     UserPreferences,
		Table:    "user_preferences",
		KeyField: "key",
		Fields: []Field{
			{Name: "key", Kind: KindString, Required: true},
			{Name: "value", Kind: KindAny, Required: true},
			{Name: "encrypted", Kind: KindBool},
			{Name: "timestamp", Kind: KindNumber, Required: true},
			{Name: "schemaVersion", Kind: KindNumber, Required: true},
		},
	},
	{
		Name:     QueuedRequests,
		Table:    "queued_requests",
		KeyField: "id",
		Fields: []Field{
			{Name: "id", Kind: KindString, Required: true},
			{Name: "url", Kind: KindString, Required: true},
			{Name: "method", Kind: KindString, Required: true},
			{Name: "headers", Kind: KindObject},
			{Name: "body", Kind: KindString},
			{Name: "timestamp", Kind: KindNumber, Required: true},
			{Name: "priority", Kind: KindNumber},
			{Name: "retryCount", Kind: KindNumber},
			{Name: "maxRetries", Kind: KindNumber},
			{Name: "encrypted", Kind: KindBool},
			{Name: "schemaVersion", Kind: KindNumber, Required: true},
		},
		Indexes: []Index{
			{Name: "timestamp", Path: "$.timestamp"},
			{Name: "priority", Path: "$.priority"},
		},
	},
}

// Stores returns all store definitions in declaration order.
func Stores() []StoreDef {
	return stores
}

// Lookup resolves a store definition by logical name.
func Lookup(name string) (StoreDef, bool) {
	for _, s := range stores {
		if s.Name == name {
			return s, true
		}
	}
	return StoreDef{}, false
}

// IndexPath resolves an index path by name within a store.
func (d StoreDef) IndexPath(index string) (string, bool) {
	for _, ix := range d.Indexes {
		if ix.Name == index {
			return ix.Path, true
		}
	}
	return "", false
}

// FieldByName resolves a declared field.
func (d StoreDef) FieldByName(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
