// Package update supervises worker updates: it watches for new versions,
// prompts the user, applies the handover, and rolls back when an update
// goes wrong.
package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"qrkeeper/internal/common"
	"qrkeeper/internal/eventx"
	"qrkeeper/internal/logging"
	"qrkeeper/internal/msgx"
	"qrkeeper/internal/sidecar"
)

// Defaults for the check/prompt cadence.
const (
	DefaultCheckInterval = 30 * time.Minute
	DefaultPromptDelay   = 2 * time.Second
	DefaultPromptBackoff = time.Minute
	PromptAttemptCap     = 3
	activationWait       = 5 * time.Second
)

// rollbackKey holds the pre-update snapshot in the sidecar store.
const rollbackKey = "update.rollback"

// Lifecycle is the slice of the worker lifecycle manager the updater
// drives.
type Lifecycle interface {
	Register(ctx context.Context) error
	Unregister() error
	Activated() bool
	ActiveVersion() string
	BinaryVersion() (string, error)
	CheckForUpdates(ctx context.Context) (bool, error)
	SkipWaiting(ctx context.Context) error
	PostMessage(ctx context.Context, msgType string, payload any, expectResponse bool) (json.RawMessage, error)
}

// Prompter asks the user whether to apply a pending update. Returning
// false postpones it.
type Prompter interface {
	Prompt(ctx context.Context, version string) (bool, error)
}

// PrompterFunc adapts a func to Prompter.
type PrompterFunc func(ctx context.Context, version string) (bool, error)

func (f PrompterFunc) Prompt(ctx context.Context, version string) (bool, error) {
	return f(ctx, version)
}

// Event is the sum type of update notifications.
type Event interface{ updateEvent() }

// Available reports a pending update.
type Available struct{ Version string }

// Applied reports a completed update.
type Applied struct{ Version string }

// PromptDowngraded reports the prompt cap was hit; the UI should fall back
// to a passive banner.
type PromptDowngraded struct{ Version string }

// RollbackStarted, RollbackCompleted and RollbackFailed track recovery
// from a failed update.
type RollbackStarted struct{ Reason string }
type RollbackCompleted struct{}
type RollbackFailed struct{ Reason string }

func (Available) updateEvent()         {}
func (Applied) updateEvent()           {}
func (PromptDowngraded) updateEvent()  {}
func (RollbackStarted) updateEvent()   {}
func (RollbackCompleted) updateEvent() {}
func (RollbackFailed) updateEvent()    {}

// RollbackData is the snapshot written right before an update is applied
// and cleared once the new version activates.
type RollbackData struct {
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// Status is a point-in-time view for diagnostics.
type Status struct {
	UpdateAvailable bool
	PendingVersion  string
	PromptAttempts  int
	IsUpdating      bool
	LastCheck       time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithCheckInterval(d time.Duration) Option {
	return func(m *Manager) { m.checkInterval = d }
}

func WithPromptDelay(d time.Duration) Option {
	return func(m *Manager) { m.promptDelay = d }
}

func WithPromptBackoff(d time.Duration) Option {
	return func(m *Manager) { m.promptBackoff = d }
}

// Manager drives the update lifecycle.
type Manager struct {
	lc       Lifecycle
	sc       *sidecar.Store
	prompter Prompter
	logger   logging.Logger
	events   *eventx.Broadcaster[Event]

	checkInterval time.Duration
	promptDelay   time.Duration
	promptBackoff time.Duration

	mu              sync.Mutex
	updateAvailable bool
	pendingVersion  string
	promptAttempts  int
	isUpdating      bool
	lastCheck       time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(lc Lifecycle, sc *sidecar.Store, prompter Prompter, logger logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		lc:            lc,
		sc:            sc,
		prompter:      prompter,
		logger:        logger,
		events:        eventx.New[Event](),
		checkInterval: DefaultCheckInterval,
		promptDelay:   DefaultPromptDelay,
		promptBackoff: DefaultPromptBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns an update-event channel and an unsubscribe func.
func (m *Manager) Events() (<-chan Event, func()) {
	return m.events.Subscribe()
}

// Status reports the current update state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		UpdateAvailable: m.updateAvailable,
		PendingVersion:  m.pendingVersion,
		PromptAttempts:  m.promptAttempts,
		IsUpdating:      m.isUpdating,
		LastCheck:       m.lastCheck,
	}
}

// Start launches periodic update checks.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Check(ctx); err != nil {
					m.logger.Warn(ctx, "periodic update check failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts background work and closes event subscriptions.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.events.Close()
}

// OnForeground runs a check immediately, the equivalent of regaining
// visibility.
func (m *Manager) OnForeground(ctx context.Context) {
	if _, err := m.Check(ctx); err != nil {
		m.logger.Warn(ctx, "foreground update check failed", "error", err)
	}
}

// Check asks the lifecycle manager for a pending update. The first time
// one appears it announces it and schedules the user prompt.
func (m *Manager) Check(ctx context.Context) (bool, error) {
	m.mu.Lock()
	m.lastCheck = time.Now()
	m.mu.Unlock()

	waiting, err := m.lc.CheckForUpdates(ctx)
	if err != nil {
		return false, fmt.Errorf("update: check: %w", err)
	}
	if !waiting {
		return false, nil
	}

	version, verr := m.lc.BinaryVersion()
	if verr != nil {
		version = "unknown"
	}

	m.mu.Lock()
	fresh := !m.updateAvailable
	m.updateAvailable = true
	m.pendingVersion = version
	m.mu.Unlock()

	if fresh {
		m.logger.Info(ctx, "update available", "version", version)
		m.events.Publish(Available{Version: version})
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.promptLoop(ctx, version)
		}()
	}
	return true, nil
}

// promptLoop asks the user after a short delay, re-arming with backoff on
// decline and downgrading to a banner once the attempt cap is hit.
func (m *Manager) promptLoop(ctx context.Context, version string) {
	if m.prompter == nil {
		return
	}
	wait := m.promptDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		m.mu.Lock()
		if !m.updateAvailable || m.isUpdating {
			m.mu.Unlock()
			return
		}
		m.promptAttempts++
		attempts := m.promptAttempts
		m.mu.Unlock()

		accepted, err := m.prompter.Prompt(ctx, version)
		if err != nil {
			m.logger.Warn(ctx, "update prompt failed", "error", err)
			return
		}
		if accepted {
			if err := m.Apply(ctx); err != nil {
				m.logger.Error(ctx, "applying update failed", "error", err)
			}
			return
		}
		if attempts >= PromptAttemptCap {
			m.logger.Info(ctx, "update postponed, switching to banner", "attempts", attempts)
			m.events.Publish(PromptDowngraded{Version: version})
			return
		}
		wait = m.promptBackoff
	}
}

// Apply performs the update: snapshot rollback data, hand control to the
// waiting worker, wait for activation. Any failure triggers a rollback.
func (m *Manager) Apply(ctx context.Context) error {
	m.mu.Lock()
	if m.isUpdating {
		m.mu.Unlock()
		return nil
	}
	m.isUpdating = true
	version := m.pendingVersion
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.isUpdating = false
		m.mu.Unlock()
	}()

	if err := m.writeRollbackData(); err != nil {
		return err
	}

	if err := m.lc.SkipWaiting(ctx); err != nil {
		return m.attemptRollback(ctx, fmt.Sprintf("skip waiting failed: %v", err))
	}
	if err := m.awaitActivation(ctx); err != nil {
		return m.attemptRollback(ctx, fmt.Sprintf("activation timed out: %v", err))
	}

	m.mu.Lock()
	m.updateAvailable = false
	m.pendingVersion = ""
	m.promptAttempts = 0
	m.mu.Unlock()

	if err := m.sc.Delete(rollbackKey); err != nil {
		m.logger.Warn(ctx, "clearing rollback data failed", "error", err)
	}
	m.logger.Info(ctx, "update applied", "version", version)
	m.events.Publish(Applied{Version: version})
	return nil
}

// RollbackData returns the persisted pre-update snapshot, or nil.
func (m *Manager) RollbackData() (*RollbackData, error) {
	raw, err := m.sc.Get(rollbackKey)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var rd RollbackData
	if err := json.Unmarshal(raw, &rd); err != nil {
		return nil, fmt.Errorf("update: parse rollback data: %w", err)
	}
	return &rd, nil
}

func (m *Manager) writeRollbackData() error {
	rd := RollbackData{Version: m.lc.ActiveVersion(), Timestamp: time.Now().UnixMilli()}
	raw, err := json.Marshal(&rd)
	if err != nil {
		return fmt.Errorf("update: marshal rollback data: %w", err)
	}
	if err := m.sc.Put(rollbackKey, raw); err != nil {
		return fmt.Errorf("update: write rollback data: %w", err)
	}
	return nil
}

func (m *Manager) awaitActivation(ctx context.Context) error {
	deadline := time.Now().Add(activationWait)
	for {
		if m.lc.Activated() {
			return nil
		}
		if time.Now().After(deadline) {
			return common.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// attemptRollback recovers from a failed update: clear the worker caches,
// unregister, and re-register what is on disk.
func (m *Manager) attemptRollback(ctx context.Context, reason string) error {
	m.logger.Warn(ctx, "rolling back update", "reason", reason)
	m.events.Publish(RollbackStarted{Reason: reason})

	// cached assets may belong to the broken build
	if _, err := m.lc.PostMessage(ctx, msgx.TypeClearCache, &msgx.ClearCacheRequest{}, true); err != nil {
		m.logger.Debug(ctx, "clearing caches during rollback failed", "error", err)
	}
	if err := m.lc.Unregister(); err != nil {
		m.events.Publish(RollbackFailed{Reason: err.Error()})
		return fmt.Errorf("update: %s: %w", reason, common.ErrRollbackFailed)
	}
	if err := m.lc.Register(ctx); err != nil {
		m.events.Publish(RollbackFailed{Reason: err.Error()})
		return fmt.Errorf("update: %s: %w", reason, common.ErrRollbackFailed)
	}

	m.events.Publish(RollbackCompleted{})
	return fmt.Errorf("update: %s: %w", reason, common.ErrUpdateFailed)
}
