// Package scans is the scan-history repository: a typed facade over the
// storage engine fixing the store name and the sensitive-field set, plus
// the domain queries the history screen needs.
package scans

import (
	"context"
	"time"
)

// Safety classification values. Classification is supplied by the caller;
// the repository never derives it.
const (
	StatusSafe      = "safe"
	StatusWarning   = "warning"
	StatusDangerous = "dangerous"
	StatusUnknown   = "unknown"
)

// ScanRecord is one decoded QR scan.
type ScanRecord struct {
	ID            string `json:"id"`
	Content       string `json:"content"`
	Type          string `json:"type"`
	Timestamp     int64  `json:"timestamp"` // unix milliseconds
	SafetyStatus  string `json:"safetyStatus"`
	SafetyDetails string `json:"safetyDetails,omitempty"`
	Synced        bool   `json:"synced"`
	Encrypted     bool   `json:"encrypted"`
	SchemaVersion int64  `json:"schemaVersion"`
}

// Stats aggregates the history for the statistics view.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"byStatus"`
	ByType     map[string]int `json:"byType"`
	MostRecent []ScanRecord   `json:"mostRecent"` // newest first, capped
}

// Repository is the scan-history contract.
type Repository interface {
	// Add stores a new scan, assigning an id when empty. Returns the id.
	Add(ctx context.Context, rec *ScanRecord) (string, error)

	// Get returns a scan, or nil when absent.
	Get(ctx context.Context, id string) (*ScanRecord, error)

	// UpdateSafety revises the safety classification of an existing scan.
	UpdateSafety(ctx context.Context, id, status, details string) error

	// MarkSynced flags a scan as delivered to the network.
	MarkSynced(ctx context.Context, id string) error

	// Delete removes one scan; absent ids are a no-op.
	Delete(ctx context.Context, id string) error

	// Clear removes the whole history.
	Clear(ctx context.Context) error

	// All returns the full history, newest first.
	All(ctx context.Context) ([]ScanRecord, error)

	// ByStatus filters by safety classification.
	ByStatus(ctx context.Context, status string) ([]ScanRecord, error)

	// Unsynced returns scans not yet delivered.
	Unsynced(ctx context.Context) ([]ScanRecord, error)

	// Search matches term as a case-insensitive substring of content or type.
	Search(ctx context.Context, term string) ([]ScanRecord, error)

	// ByDateRange returns scans with from <= timestamp < to.
	ByDateRange(ctx context.Context, from, to time.Time) ([]ScanRecord, error)

	// Stats aggregates counts per status and type plus the most recent scans.
	Stats(ctx context.Context) (*Stats, error)

	// Export serializes the whole history to JSON.
	Export(ctx context.Context) ([]byte, error)

	// Import loads an exported history, regenerating ids to avoid
	// collisions. Returns the number of imported records.
	Import(ctx context.Context, data []byte) (int, error)
}
