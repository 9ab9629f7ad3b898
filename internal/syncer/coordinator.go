package syncer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"qrkeeper/internal/common"
	"qrkeeper/internal/eventx"
	"qrkeeper/internal/logging"
	"qrkeeper/internal/netx"
	"qrkeeper/internal/repositories/queue"
)

// Connectivity probe and re-drain defaults.
const (
	DefaultProbeURL      = "https://connectivitycheck.gstatic.com/generate_204"
	DefaultProbeInterval = 30 * time.Second
	DefaultSyncInterval  = 60 * time.Second
)

// WorkerClient is the slice of the worker lifecycle manager the coordinator
// needs: when an activated worker exists, draining is delegated to it.
type WorkerClient interface {
	Activated() bool
	RegisterSync(ctx context.Context, tag string) error
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithProbeURL(u string) CoordinatorOption {
	return func(c *Coordinator) { c.probeURL = u }
}

func WithProbeInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.probeInterval = d }
}

func WithSyncInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.syncInterval = d }
}

// Coordinator owns outbound-queue draining: it queues requests, watches
// connectivity, and enforces at most one drain cycle in flight.
type Coordinator struct {
	repo    queue.Repository
	drainer *Drainer
	worker  WorkerClient
	client  *http.Client
	logger  logging.Logger
	events  *eventx.Broadcaster[Event]

	probeURL      string
	probeInterval time.Duration
	syncInterval  time.Duration

	online         atomic.Bool
	syncInProgress atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator wires a coordinator. worker may be nil (manual drain only);
// a nil client falls back to http.DefaultClient.
func NewCoordinator(repo queue.Repository, client *http.Client, worker WorkerClient, logger logging.Logger, opts ...CoordinatorOption) *Coordinator {
	if client == nil {
		client = http.DefaultClient
	}
	c := &Coordinator{
		repo:          repo,
		worker:        worker,
		client:        client,
		logger:        logger,
		events:        eventx.New[Event](),
		probeURL:      DefaultProbeURL,
		probeInterval: DefaultProbeInterval,
		syncInterval:  DefaultSyncInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.drainer = NewDrainer(repo, client, logger, c.events.Publish)
	return c
}

// Subscribe returns a sync-event channel and an unsubscribe func.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.events.Subscribe()
}

// Online reports the last observed connectivity state.
func (c *Coordinator) Online() bool {
	return c.online.Load()
}

// Start launches the connectivity watcher and the periodic re-drain timer.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.RefreshStatus(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		probe := time.NewTicker(c.probeInterval)
		resync := time.NewTicker(c.syncInterval)
		defer probe.Stop()
		defer resync.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-probe.C:
				c.RefreshStatus(ctx)
			case <-resync.C:
				c.TriggerSync(ctx)
			}
		}
	}()
}

// Stop halts background work and closes event subscriptions.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.events.Close()
}

// RefreshStatus probes connectivity once. An offline-to-online transition
// kicks off a drain.
func (c *Coordinator) RefreshStatus(ctx context.Context) bool {
	online := c.probe(ctx)
	was := c.online.Swap(online)
	if was != online {
		c.logger.Info(ctx, "connectivity changed", "online", online)
		c.events.Publish(StatusChanged{Online: online})
		if online {
			c.TriggerSync(ctx)
		}
	}
	return online
}

// QueueRequest validates and persists an outbound request, pokes the worker
// so a background drain is scheduled, and drains immediately when online.
func (c *Coordinator) QueueRequest(ctx context.Context, req *queue.QueuedRequest, rejectDuplicates bool) (string, error) {
	if err := validateURL(req.URL); err != nil {
		return "", err
	}
	id, err := c.repo.Enqueue(ctx, req, rejectDuplicates)
	if err != nil {
		return id, err
	}
	if c.worker != nil && c.worker.Activated() {
		if err := c.worker.RegisterSync(ctx, "queue-drain"); err != nil {
			c.logger.Debug(ctx, "worker sync registration failed", "error", err)
		}
	}
	if c.Online() {
		c.TriggerSync(ctx)
	}
	return id, nil
}

// TriggerSync starts one drain cycle. Returns false when offline or when a
// cycle is already running.
func (c *Coordinator) TriggerSync(ctx context.Context) bool {
	if !c.Online() {
		return false
	}
	if !c.syncInProgress.CompareAndSwap(false, true) {
		return false
	}
	defer c.syncInProgress.Store(false)

	if c.worker != nil && c.worker.Activated() {
		if err := c.worker.RegisterSync(ctx, "queue-drain"); err == nil {
			return true
		}
		// fall through to a manual drain when the worker is unreachable
		// or cannot decrypt the queue
		c.logger.Warn(ctx, "worker drain delegation failed, draining locally")
	}

	c.drainLocal(ctx)
	return true
}

// DrainLocally runs one drain cycle in-process, never delegating to the
// worker. Broadcast listeners use it when a worker-side drain fails,
// typically because the worker process lacks the vault key.
func (c *Coordinator) DrainLocally(ctx context.Context) bool {
	if !c.Online() {
		return false
	}
	if !c.syncInProgress.CompareAndSwap(false, true) {
		return false
	}
	defer c.syncInProgress.Store(false)

	c.drainLocal(ctx)
	return true
}

func (c *Coordinator) drainLocal(ctx context.Context) {
	processed, err := c.drainer.Drain(ctx)
	if err != nil {
		c.events.Publish(SyncFailed{Reason: err.Error()})
		return
	}
	c.events.Publish(SyncComplete{Processed: processed})
}

// Stats reports queue aggregates.
func (c *Coordinator) Stats(ctx context.Context) (*queue.Stats, error) {
	return c.repo.Stats(ctx)
}

// RetryAllFailed re-arms requests that exhausted their retries and starts
// a drain cycle for them when online.
func (c *Coordinator) RetryAllFailed(ctx context.Context) (int, error) {
	reset, err := c.repo.RetryAllFailed(ctx)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		c.TriggerSync(ctx)
	}
	return reset, nil
}

// ClearFailed drops requests that exhausted their retries.
func (c *Coordinator) ClearFailed(ctx context.Context) (int, error) {
	return c.repo.ClearFailed(ctx)
}

// Clear empties the queue.
func (c *Coordinator) Clear(ctx context.Context) error {
	return c.repo.Clear(ctx)
}

func (c *Coordinator) probe(ctx context.Context) bool {
	return netx.Reachable(ctx, c.client, c.probeURL)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("syncer: invalid url %q: %w", raw, common.ErrValidation)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("syncer: invalid url %q: %w", raw, common.ErrValidation)
	}
	return nil
}
