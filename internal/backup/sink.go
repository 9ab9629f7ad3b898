// Package backup implements the snapshot side channel used before
// destructive schema upgrades: full JSON dumps of every store, written to a
// pluggable sink with a rolling retention window.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"qrkeeper/internal/storage/schema"
)

// RetainSnapshots is the rolling retention window: the N most recent
// snapshots are kept, older ones pruned.
const RetainSnapshots = 3

// Sink stores named snapshot blobs.
type Sink interface {
	// Put writes a snapshot under name, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error

	// List returns all snapshot names in ascending name order. Snapshot
	// names embed their creation time, so ascending name order is
	// chronological.
	List(ctx context.Context) ([]string, error)

	// Delete removes a snapshot. Absent names are not an error.
	Delete(ctx context.Context, name string) error
}

// Dump is the serialized snapshot format.
type Dump struct {
	CreatedAt     time.Time                    `json:"createdAt"`
	SchemaVersion int64                        `json:"schemaVersion"`
	Stores        map[string][]json.RawMessage `json:"stores"`
}

// Snapshot dumps every registered store to the sink and prunes old
// snapshots down to the retention window. It returns the snapshot name.
func Snapshot(ctx context.Context, db *sql.DB, sink Sink, version int64) (string, error) {
	dump := Dump{
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: version,
		Stores:        make(map[string][]json.RawMessage),
	}

	for _, def := range schema.Stores() {
		rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT data FROM %s`, def.Table))
		if err != nil {
			return "", fmt.Errorf("snapshot %s: %w", def.Name, err)
		}
		var records []json.RawMessage
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				rows.Close()
				return "", fmt.Errorf("snapshot %s: %w", def.Name, err)
			}
			records = append(records, json.RawMessage(data))
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return "", fmt.Errorf("snapshot %s: %w", def.Name, err)
		}
		rows.Close()
		dump.Stores[def.Name] = records
	}

	blob, err := json.Marshal(dump)
	if err != nil {
		return "", fmt.Errorf("snapshot marshal: %w", err)
	}

	name := fmt.Sprintf("snapshot-%s.json", dump.CreatedAt.Format("20060102T150405.000000000"))
	if err := sink.Put(ctx, name, blob); err != nil {
		return "", err
	}

	if err := Prune(ctx, sink, RetainSnapshots); err != nil {
		return "", err
	}
	return name, nil
}

// Prune deletes all but the keep most recent snapshots.
func Prune(ctx context.Context, sink Sink, keep int) error {
	names, err := sink.List(ctx)
	if err != nil {
		return err
	}
	sort.Strings(names)
	if len(names) <= keep {
		return nil
	}
	for _, name := range names[:len(names)-keep] {
		if err := sink.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
