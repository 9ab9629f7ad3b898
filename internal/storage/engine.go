// Package storage implements the transactional store underneath the
// repositories: one SQLite database, multiple named stores with secondary
// indexes, sensitive-field encryption on the write path and decryption on
// the read path. The engine owns the physical handle and is the only holder
// of the encryption key.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"

	_ "modernc.org/sqlite"

	"qrkeeper/internal/backup"
	"qrkeeper/internal/common"
	"qrkeeper/internal/cryptox"
	"qrkeeper/internal/dbx"
	"qrkeeper/internal/logging"
	"qrkeeper/internal/migration"
	"qrkeeper/internal/sidecar"
	"qrkeeper/internal/storage/schema"
)

var pragmas = []string{
	`PRAGMA journal_mode=WAL`,
	`PRAGMA foreign_keys=ON`,
	`PRAGMA busy_timeout=5000`,
}

// Engine is the storage engine. Construct with NewEngine, then call
// Initialize once; both are safe to call from multiple goroutines.
type Engine struct {
	path    string
	sc      *sidecar.Store
	sink    backup.Sink
	logger  logging.Logger
	nowFunc func() time.Time

	mu          sync.Mutex
	db          *sql.DB
	crypto      *cryptox.Service
	initialized bool
	lastReport  *migration.Report
}

// Stats describes the persisted state of the engine.
type Stats struct {
	Counts   map[string]int64 `json:"counts"`
	FileSize int64            `json:"fileSize"`
}

func NewEngine(path string, sc *sidecar.Store, sink backup.Sink, logger logging.Logger) *Engine {
	return &Engine{
		path:    path,
		sc:      sc,
		sink:    sink,
		logger:  logger.With("module", "storage"),
		nowFunc: time.Now,
	}
}

// Initialize opens the database, resolves the encryption key and runs
// pending migrations. It is idempotent: a second call performs no physical
// work. A nil password selects the generated-key mode.
func (e *Engine) Initialize(ctx context.Context, password []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}

	db, err := sql.Open("sqlite", e.path)
	if err != nil {
		return fmt.Errorf("storage: open: %w", err)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return fmt.Errorf("storage: pragma: %w", err)
		}
	}

	crypto, err := cryptox.LoadOrCreate(e.sc, password)
	if err != nil {
		if errors.Is(err, cryptox.ErrWrongPassword) {
			_ = db.Close()
			return err
		}
		// Unusable key material downgrades writes to plaintext instead of
		// failing the whole store; reads of already-encrypted records will
		// surface ErrDecryptFailed.
		e.logger.Warn(ctx, "encryption unavailable, storing plaintext", "error", err)
		crypto = nil
	}

	report, err := migration.NewManager(db, e.sink, e.logger).Run(ctx)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("storage: migrate: %w", err)
	}

	e.db = db
	e.crypto = crypto
	e.lastReport = report
	e.initialized = true
	e.logger.Info(ctx, "storage initialized", "schemaVersion", report.ToVersion)
	return nil
}

// MigrationReport returns the report of the Initialize-time migration run.
func (e *Engine) MigrationReport() *migration.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// Close releases the database handle and wipes key material.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil
	}
	e.initialized = false
	if e.crypto != nil {
		e.crypto.Wipe()
		e.crypto = nil
	}
	return e.db.Close()
}

func (e *Engine) handle() (*sql.DB, *cryptox.Service, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil, nil, common.ErrNotInitialized
	}
	return e.db, e.crypto, nil
}

func lookupStore(store string) (schema.StoreDef, error) {
	def, ok := schema.Lookup(store)
	if !ok {
		return schema.StoreDef{}, fmt.Errorf("%w: unknown store %q", common.ErrValidation, store)
	}
	return def, nil
}

// Add inserts a new record, stamping timestamp and schemaVersion when
// absent and encrypting the declared sensitive fields.
func (e *Engine) Add(ctx context.Context, store string, rec Record, sensitiveFields []string) error {
	db, crypto, err := e.handle()
	if err != nil {
		return err
	}
	def, err := lookupStore(store)
	if err != nil {
		return err
	}

	rec = rec.Clone()
	e.stamp(rec)
	if err := validate(def, rec); err != nil {
		return err
	}
	e.encryptFields(ctx, crypto, rec, sensitiveFields)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal: %w", err)
	}

	err = dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, def.Table),
			rec.String(def.KeyField), data)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: add %s: %w: %w", store, common.ErrTransaction, err)
	}
	return nil
}

// Get returns the record with the given id, or nil when absent. Absence is
// not an error.
func (e *Engine) Get(ctx context.Context, store, id string, sensitiveFields []string) (Record, error) {
	db, crypto, err := e.handle()
	if err != nil {
		return nil, err
	}
	def, err := lookupStore(store)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = dbx.WithTx(ctx, db, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx dbx.DBTX) error {
		row := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, def.Table), id)
		return row.Scan(&data)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w: %w", store, common.ErrTransaction, err)
	}

	rec := Record{}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", store, err)
	}
	if err := decryptFields(crypto, rec, sensitiveFields); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies a patch to an existing record. Updating an absent id
// fails with common.ErrNotFound.
func (e *Engine) Update(ctx context.Context, store, id string, patch Record, sensitiveFields []string) error {
	db, crypto, err := e.handle()
	if err != nil {
		return err
	}
	def, err := lookupStore(store)
	if err != nil {
		return err
	}

	err = dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var data []byte
		row := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, def.Table), id)
		if err := row.Scan(&data); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s/%s", common.ErrNotFound, store, id)
			}
			return err
		}

		rec := Record{}
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := decryptFields(crypto, rec, sensitiveFields); err != nil {
			return err
		}
		for k, v := range patch {
			rec[k] = v
		}
		rec["schemaVersion"] = schema.Version
		if err := validate(def, rec); err != nil {
			return err
		}
		e.encryptFields(ctx, crypto, rec, sensitiveFields)

		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET data = ? WHERE id = ?`, def.Table), updated, id)
		return err
	})
	if err != nil {
		if isDomainErr(err) {
			return err
		}
		return fmt.Errorf("storage: update %s: %w: %w", store, common.ErrTransaction, err)
	}
	return nil
}

// Delete removes a record. Deleting an absent id is a no-op.
func (e *Engine) Delete(ctx context.Context, store, id string) error {
	db, _, err := e.handle()
	if err != nil {
		return err
	}
	def, err := lookupStore(store)
	if err != nil {
		return err
	}

	err = dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, def.Table), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w: %w", store, common.ErrTransaction, err)
	}
	return nil
}

// GetAll returns every record in the store.
func (e *Engine) GetAll(ctx context.Context, store string, sensitiveFields []string) ([]Record, error) {
	def, err := lookupStore(store)
	if err != nil {
		return nil, err
	}
	return e.query(ctx, store, fmt.Sprintf(`SELECT data FROM %s`, def.Table), nil, sensitiveFields)
}

// QueryByIndex returns the records whose indexed field equals value.
func (e *Engine) QueryByIndex(ctx context.Context, store, index string, value any, sensitiveFields []string) ([]Record, error) {
	def, err := lookupStore(store)
	if err != nil {
		return nil, err
	}
	path, ok := def.IndexPath(index)
	if !ok {
		return nil, fmt.Errorf("%w: store %s has no index %q", common.ErrValidation, store, index)
	}
	q := fmt.Sprintf(`SELECT data FROM %s WHERE json_extract(data, '%s') = ?`, def.Table, path)
	return e.query(ctx, store, q, []any{bindIndexValue(value)}, sensitiveFields)
}

// bindIndexValue maps Go values onto what json_extract yields: JSON
// booleans surface as integers 0/1 in SQLite.
func bindIndexValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

func (e *Engine) query(ctx context.Context, store, q string, args []any, sensitiveFields []string) ([]Record, error) {
	db, crypto, err := e.handle()
	if err != nil {
		return nil, err
	}

	var out []Record
	err = dbx.WithTx(ctx, db, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx dbx.DBTX) error {
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return err
			}
			rec := Record{}
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if err := decryptFields(crypto, rec, sensitiveFields); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		if isDomainErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("storage: query %s: %w: %w", store, common.ErrTransaction, err)
	}
	return out, nil
}

// Clear removes every record in the store.
func (e *Engine) Clear(ctx context.Context, store string) error {
	db, _, err := e.handle()
	if err != nil {
		return err
	}
	def, err := lookupStore(store)
	if err != nil {
		return err
	}
	err = dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, def.Table))
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: clear %s: %w: %w", store, common.ErrTransaction, err)
	}
	return nil
}

// Count returns the number of records in the store.
func (e *Engine) Count(ctx context.Context, store string) (int64, error) {
	db, _, err := e.handle()
	if err != nil {
		return 0, err
	}
	def, err := lookupStore(store)
	if err != nil {
		return 0, err
	}
	var n int64
	row := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, def.Table))
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count %s: %w: %w", store, common.ErrTransaction, err)
	}
	return n, nil
}

// Stats reports per-store record counts and the database file size.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	if _, _, err := e.handle(); err != nil {
		return nil, err
	}
	stats := &Stats{Counts: make(map[string]int64)}
	for _, def := range schema.Stores() {
		n, err := e.Count(ctx, def.Name)
		if err != nil {
			return nil, err
		}
		stats.Counts[def.Name] = n
	}
	if fi, err := os.Stat(e.path); err == nil {
		stats.FileSize = fi.Size()
	}
	return stats, nil
}

// stamp fills timestamp and schemaVersion when the caller omitted them.
func (e *Engine) stamp(rec Record) {
	if rec.Int64("timestamp") == 0 {
		rec["timestamp"] = e.nowFunc().UnixMilli()
	}
	if rec.Int64("schemaVersion") == 0 {
		rec["schemaVersion"] = schema.Version
	}
}

// encryptFields passes the declared sensitive fields through the encryption
// service before the physical write. Encryption failure downgrades to
// plaintext with encrypted=false rather than failing the operation.
func (e *Engine) encryptFields(ctx context.Context, crypto *cryptox.Service, rec Record, sensitiveFields []string) {
	if len(sensitiveFields) == 0 {
		return
	}
	if crypto == nil {
		rec["encrypted"] = false
		return
	}

	encrypted := make(map[string]string, len(sensitiveFields))
	for _, f := range sensitiveFields {
		v, ok := rec[f].(string)
		if !ok || v == "" {
			continue
		}
		enc, err := crypto.EncryptForStorage(v)
		if err != nil {
			e.logger.Warn(ctx, "encryption failed, storing plaintext", "field", f, "error", err)
			rec["encrypted"] = false
			return
		}
		encrypted[f] = enc
	}
	for f, enc := range encrypted {
		rec[f] = enc
	}
	rec["encrypted"] = len(encrypted) > 0
}

// decryptFields reverses encryptFields on the read path. A record flagged
// encrypted that fails to decrypt is a corruption signal surfaced to the
// caller; records flagged plaintext are returned as-is.
func decryptFields(crypto *cryptox.Service, rec Record, sensitiveFields []string) error {
	if len(sensitiveFields) == 0 || !rec.Bool("encrypted") {
		return nil
	}
	if crypto == nil {
		return fmt.Errorf("storage: %w: record is encrypted but no key is available", common.ErrDecryptFailed)
	}
	for _, f := range sensitiveFields {
		v, ok := rec[f].(string)
		if !ok || v == "" {
			continue
		}
		plain, err := crypto.DecryptFromStorage(v)
		if err != nil {
			return fmt.Errorf("storage: field %q: %w", f, err)
		}
		rec[f] = plain
	}
	return nil
}

func isDomainErr(err error) bool {
	for _, sentinel := range []error{
		common.ErrNotFound, common.ErrValidation, common.ErrDecryptFailed,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
