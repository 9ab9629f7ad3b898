// Package offline is the composition surface the UI talks to: scan
// history, preferences, the outbound queue and storage diagnostics behind
// one handle. When the persistent engine is unavailable the facade keeps
// accepting queued requests into a non-persistent in-memory buffer instead
// of dropping user data.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"qrkeeper/internal/common"
	"qrkeeper/internal/logging"
	"qrkeeper/internal/repositories/prefs"
	"qrkeeper/internal/repositories/queue"
	"qrkeeper/internal/repositories/scans"
	"qrkeeper/internal/storage"
	"qrkeeper/internal/syncer"
)

// Facade bundles the offline feature set. Construct with New; the zero
// value is not usable.
type Facade struct {
	engine *storage.Engine
	scans  scans.Repository
	prefs  prefs.Repository
	sync   *syncer.Coordinator
	logger logging.Logger

	mu       sync.Mutex
	degraded bool
	memQueue []queue.QueuedRequest
}

// New wires the facade. degraded marks the persistent engine as unusable;
// queue writes then land in the in-memory fallback.
func New(engine *storage.Engine, scansRepo scans.Repository, prefsRepo prefs.Repository, sync *syncer.Coordinator, logger logging.Logger, degraded bool) *Facade {
	return &Facade{
		engine:   engine,
		scans:    scansRepo,
		prefs:    prefsRepo,
		sync:     sync,
		logger:   logger,
		degraded: degraded,
	}
}

// Online reports the last observed connectivity state.
func (f *Facade) Online() bool {
	return f.sync.Online()
}

// Degraded reports whether queue writes are falling back to memory.
func (f *Facade) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// --- scan history ---

func (f *Facade) AddScan(ctx context.Context, rec *scans.ScanRecord) (string, error) {
	return f.scans.Add(ctx, rec)
}

func (f *Facade) GetScan(ctx context.Context, id string) (*scans.ScanRecord, error) {
	return f.scans.Get(ctx, id)
}

func (f *Facade) ScanHistory(ctx context.Context) ([]scans.ScanRecord, error) {
	return f.scans.All(ctx)
}

func (f *Facade) SearchScans(ctx context.Context, term string) ([]scans.ScanRecord, error) {
	return f.scans.Search(ctx, term)
}

func (f *Facade) ScansByStatus(ctx context.Context, status string) ([]scans.ScanRecord, error) {
	return f.scans.ByStatus(ctx, status)
}

func (f *Facade) ScansByDateRange(ctx context.Context, from, to time.Time) ([]scans.ScanRecord, error) {
	return f.scans.ByDateRange(ctx, from, to)
}

func (f *Facade) UpdateScanSafety(ctx context.Context, id, status, details string) error {
	return f.scans.UpdateSafety(ctx, id, status, details)
}

func (f *Facade) DeleteScan(ctx context.Context, id string) error {
	return f.scans.Delete(ctx, id)
}

func (f *Facade) ClearScans(ctx context.Context) error {
	return f.scans.Clear(ctx)
}

func (f *Facade) ScanStats(ctx context.Context) (*scans.Stats, error) {
	return f.scans.Stats(ctx)
}

// --- preferences ---

func (f *Facade) GetPreference(ctx context.Context, key string, def any) (any, error) {
	return f.prefs.Get(ctx, key, def)
}

func (f *Facade) SetPreference(ctx context.Context, key string, value any) error {
	return f.prefs.Set(ctx, key, value)
}

func (f *Facade) Preferences(ctx context.Context) (map[string]prefs.Entry, error) {
	return f.prefs.All(ctx)
}

// --- outbound queue ---

// QueueRequest persists an outbound request for background delivery. When
// the engine is degraded, or a storage failure rejects the write, the
// request is held in memory so the user's action is not lost. Validation
// and duplicate rejections still propagate.
func (f *Facade) QueueRequest(ctx context.Context, req *queue.QueuedRequest, rejectDuplicates bool) (string, error) {
	f.mu.Lock()
	degraded := f.degraded
	f.mu.Unlock()

	if !degraded {
		id, err := f.sync.QueueRequest(ctx, req, rejectDuplicates)
		if err == nil {
			return id, nil
		}
		if isCallerFault(err) {
			return id, err
		}
		f.logger.Error(ctx, "persistent queue rejected request, buffering in memory", "error", err)
	}
	return f.bufferInMemory(ctx, req), nil
}

func (f *Facade) bufferInMemory(ctx context.Context, req *queue.QueuedRequest) string {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().UnixMilli()
	}
	f.mu.Lock()
	f.memQueue = append(f.memQueue, *req)
	n := len(f.memQueue)
	f.mu.Unlock()
	f.logger.Warn(ctx, "request buffered in memory", "id", req.ID, "buffered", n)
	return req.ID
}

// BufferedRequests reports how many requests are held only in memory.
func (f *Facade) BufferedRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.memQueue)
}

// FlushBuffered moves in-memory requests into the persistent queue.
// Requests the store still refuses stay buffered.
func (f *Facade) FlushBuffered(ctx context.Context) (int, error) {
	f.mu.Lock()
	buffered := f.memQueue
	f.memQueue = nil
	f.mu.Unlock()

	flushed := 0
	for i := range buffered {
		req := buffered[i]
		if _, err := f.sync.QueueRequest(ctx, &req, false); err != nil {
			f.mu.Lock()
			f.memQueue = append(f.memQueue, buffered[i:]...)
			f.mu.Unlock()
			return flushed, fmt.Errorf("offline: flush buffered: %w", err)
		}
		flushed++
	}
	return flushed, nil
}

// TriggerSync starts a drain cycle; see syncer.Coordinator.TriggerSync.
func (f *Facade) TriggerSync(ctx context.Context) bool {
	return f.sync.TriggerSync(ctx)
}

// QueueStats reports outbound-queue aggregates.
func (f *Facade) QueueStats(ctx context.Context) (*queue.Stats, error) {
	return f.sync.Stats(ctx)
}

// SyncEvents subscribes to sync notifications.
func (f *Facade) SyncEvents() (<-chan syncer.Event, func()) {
	return f.sync.Subscribe()
}

// --- diagnostics & teardown ---

// StorageStats reports per-store record counts and the physical DB size.
func (f *Facade) StorageStats(ctx context.Context) (*storage.Stats, error) {
	return f.engine.Stats(ctx)
}

// Destroy stops background sync and releases the engine. The facade is
// unusable afterwards.
func (f *Facade) Destroy() error {
	f.sync.Stop()
	if err := f.engine.Close(); err != nil {
		return fmt.Errorf("offline: destroy: %w", err)
	}
	return nil
}

// isCallerFault separates rejections the caller must see from storage
// failures the fallback should absorb.
func isCallerFault(err error) bool {
	return errors.Is(err, common.ErrValidation) || errors.Is(err, common.ErrDuplicate)
}
