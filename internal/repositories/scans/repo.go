package scans

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"qrkeeper/internal/storage"
	"qrkeeper/internal/storage/schema"
)

// SensitiveFields are the scan fields encrypted at rest.
var SensitiveFields = []string{"content", "safetyDetails"}

// recentCap bounds Stats.MostRecent.
const recentCap = 10

// EngineRepository implements Repository on the storage engine.
type EngineRepository struct {
	engine *storage.Engine
}

func NewEngineRepository(engine *storage.Engine) *EngineRepository {
	return &EngineRepository{engine: engine}
}

func (r *EngineRepository) Add(ctx context.Context, rec *ScanRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SafetyStatus == "" {
		rec.SafetyStatus = StatusUnknown
	}
	raw, err := storage.ToRecord(rec)
	if err != nil {
		return "", err
	}
	if err := r.engine.Add(ctx, schema.ScanHistory, raw, SensitiveFields); err != nil {
		return "", fmt.Errorf("scans: add: %w", err)
	}
	return rec.ID, nil
}

func (r *EngineRepository) Get(ctx context.Context, id string) (*ScanRecord, error) {
	raw, err := r.engine.Get(ctx, schema.ScanHistory, id, SensitiveFields)
	if err != nil {
		return nil, fmt.Errorf("scans: get: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var rec ScanRecord
	if err := storage.FromRecord(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *EngineRepository) UpdateSafety(ctx context.Context, id, status, details string) error {
	patch := storage.Record{"safetyStatus": status, "safetyDetails": details}
	if err := r.engine.Update(ctx, schema.ScanHistory, id, patch, SensitiveFields); err != nil {
		return fmt.Errorf("scans: update safety: %w", err)
	}
	return nil
}

func (r *EngineRepository) MarkSynced(ctx context.Context, id string) error {
	patch := storage.Record{"synced": true}
	if err := r.engine.Update(ctx, schema.ScanHistory, id, patch, SensitiveFields); err != nil {
		return fmt.Errorf("scans: mark synced: %w", err)
	}
	return nil
}

func (r *EngineRepository) Delete(ctx context.Context, id string) error {
	if err := r.engine.Delete(ctx, schema.ScanHistory, id); err != nil {
		return fmt.Errorf("scans: delete: %w", err)
	}
	return nil
}

func (r *EngineRepository) Clear(ctx context.Context) error {
	if err := r.engine.Clear(ctx, schema.ScanHistory); err != nil {
		return fmt.Errorf("scans: clear: %w", err)
	}
	return nil
}

func (r *EngineRepository) All(ctx context.Context) ([]ScanRecord, error) {
	raws, err := r.engine.GetAll(ctx, schema.ScanHistory, SensitiveFields)
	if err != nil {
		return nil, fmt.Errorf("scans: all: %w", err)
	}
	return decodeSorted(raws)
}

func (r *EngineRepository) ByStatus(ctx context.Context, status string) ([]ScanRecord, error) {
	raws, err := r.engine.QueryByIndex(ctx, schema.ScanHistory, "safetyStatus", status, SensitiveFields)
	if err != nil {
		return nil, fmt.Errorf("scans: by status: %w", err)
	}
	return decodeSorted(raws)
}

func (r *EngineRepository) Unsynced(ctx context.Context) ([]ScanRecord, error) {
	raws, err := r.engine.QueryByIndex(ctx, schema.ScanHistory, "synced", false, SensitiveFields)
	if err != nil {
		return nil, fmt.Errorf("scans: unsynced: %w", err)
	}
	return decodeSorted(raws)
}

func (r *EngineRepository) Search(ctx context.Context, term string) ([]ScanRecord, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	term = strings.ToLower(term)
	var out []ScanRecord
	for _, rec := range all {
		if strings.Contains(strings.ToLower(rec.Content), term) ||
			strings.Contains(strings.ToLower(rec.Type), term) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *EngineRepository) ByDateRange(ctx context.Context, from, to time.Time) ([]ScanRecord, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	fromMs, toMs := from.UnixMilli(), to.UnixMilli()
	var out []ScanRecord
	for _, rec := range all {
		if rec.Timestamp >= fromMs && rec.Timestamp < toMs {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *EngineRepository) Stats(ctx context.Context) (*Stats, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Total:    len(all),
		ByStatus: make(map[string]int),
		ByType:   make(map[string]int),
	}
	for _, rec := range all {
		stats.ByStatus[rec.SafetyStatus]++
		stats.ByType[rec.Type]++
	}
	if len(all) > recentCap {
		stats.MostRecent = all[:recentCap]
	} else {
		stats.MostRecent = all
	}
	return stats, nil
}

func (r *EngineRepository) Export(ctx context.Context) ([]byte, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	if all == nil {
		all = []ScanRecord{}
	}
	return json.Marshal(all)
}

func (r *EngineRepository) Import(ctx context.Context, data []byte) (int, error) {
	var recs []ScanRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return 0, fmt.Errorf("scans: import: %w", err)
	}
	imported := 0
	for i := range recs {
		rec := recs[i]
		rec.ID = uuid.NewString()
		rec.Encrypted = false
		if _, err := r.Add(ctx, &rec); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// decodeSorted converts raw records and orders them newest first, id as the
// tiebreaker so the order is stable.
func decodeSorted(raws []storage.Record) ([]ScanRecord, error) {
	out := make([]ScanRecord, 0, len(raws))
	for _, raw := range raws {
		var rec ScanRecord
		if err := storage.FromRecord(raw, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
