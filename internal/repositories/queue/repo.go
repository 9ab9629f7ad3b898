package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"qrkeeper/internal/common"
	"qrkeeper/internal/storage"
	"qrkeeper/internal/storage/schema"
)

// SensitiveFields are the request fields encrypted at rest. Bodies carry
// the user payload; urls stay plaintext so the priority index remains usable.
var SensitiveFields = []string{"body"}

// EngineRepository implements Repository on the storage engine.
type EngineRepository struct {
	engine *storage.Engine
}

func NewEngineRepository(engine *storage.Engine) *EngineRepository {
	return &EngineRepository{engine: engine}
}

func (r *EngineRepository) Enqueue(ctx context.Context, req *QueuedRequest, rejectDuplicates bool) (string, error) {
	if req.URL == "" || req.Method == "" {
		return "", fmt.Errorf("queue: enqueue: url and method required: %w", common.ErrValidation)
	}
	if rejectDuplicates {
		dup, err := r.findDuplicate(ctx, req)
		if err != nil {
			return "", err
		}
		if dup != "" {
			return dup, fmt.Errorf("queue: enqueue %s %s: %w", req.Method, req.URL, common.ErrDuplicate)
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Priority == 0 {
		req.Priority = PriorityDefault
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = DefaultMaxRetries
	}
	raw, err := storage.ToRecord(req)
	if err != nil {
		return "", err
	}
	if err := r.engine.Add(ctx, schema.QueuedRequests, raw, SensitiveFields); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return req.ID, nil
}

func (r *EngineRepository) Get(ctx context.Context, id string) (*QueuedRequest, error) {
	raw, err := r.engine.Get(ctx, schema.QueuedRequests, id, SensitiveFields)
	if err != nil {
		return nil, fmt.Errorf("queue: get: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var req QueuedRequest
	if err := storage.FromRecord(raw, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *EngineRepository) Remove(ctx context.Context, id string) error {
	if err := r.engine.Delete(ctx, schema.QueuedRequests, id); err != nil {
		return fmt.Errorf("queue: remove: %w", err)
	}
	return nil
}

func (r *EngineRepository) Retryable(ctx context.Context) ([]QueuedRequest, error) {
	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []QueuedRequest
	for _, req := range all {
		if req.Retryable() {
			out = append(out, req)
		}
	}
	return out, nil
}

func (r *EngineRepository) Failed(ctx context.Context) ([]QueuedRequest, error) {
	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []QueuedRequest
	for _, req := range all {
		if !req.Retryable() {
			out = append(out, req)
		}
	}
	return out, nil
}

func (r *EngineRepository) NextBatch(ctx context.Context, n int) ([]QueuedRequest, error) {
	retryable, err := r.Retryable(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(retryable) > n {
		retryable = retryable[:n]
	}
	return retryable, nil
}

func (r *EngineRepository) IncrementRetry(ctx context.Context, id string) (int, error) {
	req, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if req == nil {
		return 0, fmt.Errorf("queue: increment retry %s: %w", id, common.ErrNotFound)
	}
	patch := storage.Record{"retryCount": req.RetryCount + 1}
	if err := r.engine.Update(ctx, schema.QueuedRequests, id, patch, SensitiveFields); err != nil {
		return 0, fmt.Errorf("queue: increment retry: %w", err)
	}
	return req.RetryCount + 1, nil
}

func (r *EngineRepository) RetryAllFailed(ctx context.Context) (int, error) {
	failed, err := r.Failed(ctx)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, req := range failed {
		patch := storage.Record{"retryCount": 0}
		if err := r.engine.Update(ctx, schema.QueuedRequests, req.ID, patch, SensitiveFields); err != nil {
			return reset, fmt.Errorf("queue: retry all failed: %w", err)
		}
		reset++
	}
	return reset, nil
}

func (r *EngineRepository) ClearFailed(ctx context.Context) (int, error) {
	failed, err := r.Failed(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, req := range failed {
		if err := r.Remove(ctx, req.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (r *EngineRepository) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	all, err := r.all(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	removed := 0
	for _, req := range all {
		if req.Timestamp < cutoff {
			if err := r.Remove(ctx, req.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (r *EngineRepository) Stats(ctx context.Context) (*Stats, error) {
	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Total:      len(all),
		ByPriority: make(map[int]int),
		ByMethod:   make(map[string]int),
	}
	for _, req := range all {
		if req.Retryable() {
			stats.Retryable++
		} else {
			stats.Failed++
		}
		stats.ByPriority[req.Priority]++
		stats.ByMethod[req.Method]++
		if stats.Oldest == 0 || req.Timestamp < stats.Oldest {
			stats.Oldest = req.Timestamp
		}
		if req.Timestamp > stats.Newest {
			stats.Newest = req.Timestamp
		}
	}
	return stats, nil
}

func (r *EngineRepository) Clear(ctx context.Context) error {
	if err := r.engine.Clear(ctx, schema.QueuedRequests); err != nil {
		return fmt.Errorf("queue: clear: %w", err)
	}
	return nil
}

// findDuplicate reports the id of an already-queued request matching url,
// method and body, or "".
func (r *EngineRepository) findDuplicate(ctx context.Context, req *QueuedRequest) (string, error) {
	all, err := r.all(ctx)
	if err != nil {
		return "", err
	}
	for _, q := range all {
		if q.URL == req.URL && q.Method == req.Method && q.Body == req.Body {
			return q.ID, nil
		}
	}
	return "", nil
}

// all returns every queued request in drain order: priority ascending,
// then timestamp ascending, id as a stable tiebreaker.
func (r *EngineRepository) all(ctx context.Context) ([]QueuedRequest, error) {
	raws, err := r.engine.GetAll(ctx, schema.QueuedRequests, SensitiveFields)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	out := make([]QueuedRequest, 0, len(raws))
	for _, raw := range raws {
		var req QueuedRequest
		if err := storage.FromRecord(raw, &req); err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
