// Package migration runs pending schema upgrade steps at storage
// initialization: it snapshots all stores before an upgrade, applies the
// ordered goose steps embedded in the schema registry, verifies record
// integrity afterwards and records every applied version in an append-only
// history so a version is never re-applied.
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	"qrkeeper/internal/backup"
	"qrkeeper/internal/logging"
	"qrkeeper/internal/storage/schema"
)

// Record is one migration history entry.
type Record struct {
	Version     int64     `json:"version"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}

// Report summarizes one Run.
type Report struct {
	FromVersion int64
	ToVersion   int64
	Applied     []int64
	BackupName  string
	Checked     int
	Repaired    int
	Violations  []string
}

// Manager drives the upgrade. It is constructed per Run by the storage
// engine and holds no state across runs.
type Manager struct {
	db     *sql.DB
	sink   backup.Sink
	logger logging.Logger
}

func NewManager(db *sql.DB, sink backup.Sink, logger logging.Logger) *Manager {
	return &Manager{db: db, sink: sink, logger: logger.With("module", "migration")}
}

// Run applies pending upgrade steps and the integrity pass. Safe to call on
// an up-to-date database; it then only runs the integrity pass.
func (m *Manager) Run(ctx context.Context) (*Report, error) {
	goose.SetBaseFS(schema.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("migration: set dialect: %w", err)
	}

	current, err := goose.EnsureDBVersionContext(ctx, m.db)
	if err != nil {
		return nil, fmt.Errorf("migration: read version: %w", err)
	}

	steps, err := listSteps()
	if err != nil {
		return nil, err
	}
	target := steps[len(steps)-1].version

	report := &Report{FromVersion: current, ToVersion: current}

	if current >= target {
		if err := m.integrityPass(ctx, report); err != nil {
			return report, err
		}
		return report, nil
	}

	// Only an existing database is worth snapshotting; a fresh one has no
	// stores yet.
	if current > 0 {
		name, err := backup.Snapshot(ctx, m.db, m.sink, current)
		if err != nil {
			return report, fmt.Errorf("migration: pre-upgrade backup: %w", err)
		}
		report.BackupName = name
		m.logger.Info(ctx, "pre-upgrade snapshot written", "name", name)
	}

	if err := goose.UpContext(ctx, m.db, "migrations"); err != nil {
		m.recordHistory(ctx, Record{
			Version:     current + 1,
			Description: "upgrade",
			Timestamp:   time.Now().UTC(),
			Success:     false,
			Error:       err.Error(),
		})
		return report, fmt.Errorf("migration: upgrade: %w", err)
	}

	for _, s := range steps {
		if s.version <= current {
			continue
		}
		report.Applied = append(report.Applied, s.version)
		m.recordHistory(ctx, Record{
			Version:     s.version,
			Description: s.description,
			Timestamp:   time.Now().UTC(),
			Success:     true,
		})
	}
	report.ToVersion = target
	m.logger.Info(ctx, "schema upgraded", "from", current, "to", target)

	if err := m.integrityPass(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

// History returns the recorded migration history, oldest first.
func (m *Manager) History(ctx context.Context) ([]Record, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT version, description, timestamp, success, COALESCE(error, '') FROM migration_history ORDER BY timestamp`)
	if err != nil {
		return nil, fmt.Errorf("migration: history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts string
		var success int
		if err := rows.Scan(&r.Version, &r.Description, &ts, &success, &r.Error); err != nil {
			return nil, err
		}
		r.Success = success != 0
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// recordHistory appends to migration_history. History is telemetry-grade
// metadata, so failures are logged and swallowed.
func (m *Manager) recordHistory(ctx context.Context, r Record) {
	success := 0
	if r.Success {
		success = 1
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO migration_history (version, description, timestamp, success, error) VALUES (?, ?, ?, ?, ?)`,
		r.Version, r.Description, r.Timestamp.Format(time.RFC3339Nano), success, nullable(r.Error))
	if err != nil {
		m.logger.Warn(ctx, "failed to record migration history", "version", r.Version, "error", err)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// integrityPass verifies that every record carries its id, timestamp and
// schemaVersion. Repairable violations are fixed in place; records that do
// not parse at all are reported and left untouched.
func (m *Manager) integrityPass(ctx context.Context, report *Report) error {
	for _, def := range schema.Stores() {
		if err := m.checkStore(ctx, def, report); err != nil {
			return err
		}
	}
	if report.Repaired > 0 || len(report.Violations) > 0 {
		m.logger.Warn(ctx, "integrity pass finished",
			"checked", report.Checked, "repaired", report.Repaired, "violations", len(report.Violations))
	}
	return nil
}

func (m *Manager) checkStore(ctx context.Context, def schema.StoreDef, report *Report) error {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, data FROM %s`, def.Table))
	if err != nil {
		return fmt.Errorf("migration: integrity %s: %w", def.Name, err)
	}

	type repair struct {
		id   string
		data []byte
	}
	var repairs []repair

	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return fmt.Errorf("migration: integrity %s: %w", def.Name, err)
		}
		report.Checked++

		var rec map[string]any
		if err := json.Unmarshal(data, &rec); err != nil {
			report.Violations = append(report.Violations,
				fmt.Sprintf("%s/%s: unparseable record", def.Name, id))
			continue
		}

		dirty := false
		if v, ok := rec[def.KeyField].(string); !ok || v == "" {
			rec[def.KeyField] = id
			if id == "" {
				rec[def.KeyField] = uuid.NewString()
			}
			dirty = true
		}
		if !isPositiveNumber(rec["timestamp"]) {
			rec["timestamp"] = time.Now().UnixMilli()
			dirty = true
		}
		if !isPositiveNumber(rec["schemaVersion"]) {
			rec["schemaVersion"] = schema.Version
			dirty = true
		}

		if dirty {
			fixed, err := json.Marshal(rec)
			if err != nil {
				report.Violations = append(report.Violations,
					fmt.Sprintf("%s/%s: unrepairable record", def.Name, id))
				continue
			}
			repairs = append(repairs, repair{id: id, data: fixed})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("migration: integrity %s: %w", def.Name, err)
	}
	rows.Close()

	for _, r := range repairs {
		if _, err := m.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET data = ? WHERE id = ?`, def.Table), r.data, r.id); err != nil {
			return fmt.Errorf("migration: repair %s/%s: %w", def.Name, r.id, err)
		}
		report.Repaired++
	}
	return nil
}

func isPositiveNumber(v any) bool {
	switch n := v.(type) {
	case float64:
		return n > 0
	case int64:
		return n > 0
	case int:
		return n > 0
	default:
		return false
	}
}

type step struct {
	version     int64
	description string
}

// listSteps reads the embedded migration directory and returns the ordered
// upgrade steps. File names follow goose convention: NNNNN_description.sql.
func listSteps() ([]step, error) {
	entries, err := fs.ReadDir(schema.Migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migration: read steps: %w", err)
	}
	var steps []step
	for _, e := range entries {
		name := e.Name()
		base := strings.TrimSuffix(path.Base(name), ".sql")
		parts := strings.SplitN(base, "_", 2)
		v, err := strconv.ParseInt(strings.TrimLeft(parts[0], "0"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration: bad step name %q: %w", name, err)
		}
		desc := ""
		if len(parts) == 2 {
			desc = strings.ReplaceAll(parts[1], "_", " ")
		}
		steps = append(steps, step{version: v, description: desc})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("migration: no steps found")
	}
	return steps, nil
}
