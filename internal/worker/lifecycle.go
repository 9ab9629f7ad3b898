package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sethvargo/go-retry"

	"qrkeeper/internal/common"
	"qrkeeper/internal/eventx"
	"qrkeeper/internal/logging"
	"qrkeeper/internal/msgx"
	"qrkeeper/internal/sidecar"
)

// State is the worker registration state.
type State string

const (
	StateNotRegistered State = "not-registered"
	StateInstalling    State = "installing"
	StateInstalled     State = "installed"
	StateWaiting       State = "waiting"
	StateActivating    State = "activating"
	StateActivated     State = "activated"
	StateRedundant     State = "redundant"
)

// Registration retry policy.
const (
	registerBaseDelay  = 500 * time.Millisecond
	registerMaxRetries = 3
)

// sidecarVersionKey records the hash of the worker binary last registered.
const sidecarVersionKey = "worker.version"

// Event reports a state transition; Err is set when the transition failed.
type Event struct {
	State State
	Err   error
}

// Session is one running worker instance as seen from the application:
// a live connection plus the version it announced on handshake.
type Session interface {
	Conn() *msgx.Conn
	Version() string
	Wait() <-chan struct{}
	Stop() error
}

// SessionFactory starts a fresh worker instance.
type SessionFactory func(ctx context.Context) (Session, error)

type inflightReg struct {
	done chan struct{}
	err  error
}

// Manager supervises the worker process: registration, activation,
// update/waiting handover, teardown. All methods are safe for concurrent
// use.
type Manager struct {
	factory SessionFactory
	sc      *sidecar.Store
	logger  logging.Logger
	events  *eventx.Broadcaster[Event]

	// binaryPath, when set, is hashed for update comparison.
	binaryPath string

	mu        sync.Mutex
	state     State
	active    Session
	waiting   Session
	inflight  *inflightReg
	listeners map[string][]msgx.BroadcastHandler
}

func NewManager(factory SessionFactory, sc *sidecar.Store, logger logging.Logger) *Manager {
	return &Manager{
		factory:   factory,
		sc:        sc,
		logger:    logger,
		events:    eventx.New[Event](),
		state:     StateNotRegistered,
		listeners: make(map[string][]msgx.BroadcastHandler),
	}
}

// SetBinaryPath names the worker binary used for update detection.
func (m *Manager) SetBinaryPath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.binaryPath = path
}

// State reports the current registration state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Activated reports whether an active worker is serving.
func (m *Manager) Activated() bool {
	return m.State() == StateActivated
}

// Events returns a state-transition channel and an unsubscribe func.
func (m *Manager) Events() (<-chan Event, func()) {
	return m.events.Subscribe()
}

// OnBroadcast registers a listener for worker broadcasts of the given type.
// Listeners survive worker handovers.
func (m *Manager) OnBroadcast(msgType string, h msgx.BroadcastHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[msgType] = append(m.listeners[msgType], h)
	if m.active != nil {
		m.active.Conn().OnBroadcast(msgType, h)
	}
}

// Register starts and activates a worker. Idempotent: an already-activated
// manager returns immediately, and concurrent callers share one in-flight
// registration. Start failures are retried with exponential backoff.
func (m *Manager) Register(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateActivated {
		m.mu.Unlock()
		return nil
	}
	if m.inflight != nil {
		reg := m.inflight
		m.mu.Unlock()
		select {
		case <-reg.done:
			return reg.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	reg := &inflightReg{done: make(chan struct{})}
	m.inflight = reg
	m.mu.Unlock()

	reg.err = m.register(ctx)
	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()
	close(reg.done)
	return reg.err
}

func (m *Manager) register(ctx context.Context) error {
	m.setState(ctx, StateInstalling, nil)

	var session Session
	backoff := retry.WithMaxRetries(registerMaxRetries, retry.NewExponential(registerBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := m.factory(ctx)
		if err != nil {
			m.logger.Warn(ctx, "worker start failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		session = s
		return nil
	})
	if err != nil {
		m.setState(ctx, StateNotRegistered, fmt.Errorf("worker: register: %w", err))
		return fmt.Errorf("worker: register: %w", err)
	}

	m.setState(ctx, StateInstalled, nil)
	m.activate(ctx, session)
	m.recordBinaryVersion(ctx)
	return nil
}

// activate promotes a session to active, re-attaching persistent broadcast
// listeners and watching for unexpected exit.
func (m *Manager) activate(ctx context.Context, session Session) {
	m.setState(ctx, StateActivating, nil)

	m.mu.Lock()
	m.active = session
	for msgType, hs := range m.listeners {
		for _, h := range hs {
			session.Conn().OnBroadcast(msgType, h)
		}
	}
	m.mu.Unlock()

	go m.watch(session)
	m.setState(ctx, StateActivated, nil)
	m.logger.Info(ctx, "worker activated", "version", session.Version())
}

// watch marks the manager redundant if the active worker dies underneath
// it.
func (m *Manager) watch(session Session) {
	<-session.Wait()
	m.mu.Lock()
	if m.active != session {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.mu.Unlock()
	m.setState(context.Background(), StateRedundant, fmt.Errorf("worker: active worker exited unexpectedly"))
}

// BinaryVersion hashes the configured worker binary. Workers announce this
// same hash on handshake, which is what update detection compares.
func (m *Manager) BinaryVersion() (string, error) {
	m.mu.Lock()
	path := m.binaryPath
	m.mu.Unlock()
	if path == "" {
		return "", fmt.Errorf("worker: no binary path configured: %w", common.ErrValidation)
	}
	return hashFile(path)
}

// CheckForUpdates compares the on-disk binary against the running worker's
// handshake version. When they differ a fresh instance is started into the
// waiting state. Returns whether an update is now waiting.
func (m *Manager) CheckForUpdates(ctx context.Context) (bool, error) {
	m.mu.Lock()
	active, waiting := m.active, m.waiting
	m.mu.Unlock()
	if active == nil {
		return false, fmt.Errorf("worker: check for updates: %w", common.ErrNotRegistered)
	}
	if waiting != nil {
		return true, nil
	}

	current, err := m.BinaryVersion()
	if err != nil {
		return false, err
	}
	if current == active.Version() {
		return false, nil
	}

	session, err := m.factory(ctx)
	if err != nil {
		m.setState(ctx, m.State(), fmt.Errorf("worker: start update: %w", err))
		return false, fmt.Errorf("worker: start update: %w", err)
	}
	m.mu.Lock()
	m.waiting = session
	m.mu.Unlock()
	m.setState(ctx, StateWaiting, nil)
	m.logger.Info(ctx, "worker update waiting", "current", active.Version(), "next", session.Version())
	return true, nil
}

// ForceUpdateCheck retries CheckForUpdates with backoff.
func (m *Manager) ForceUpdateCheck(ctx context.Context) (bool, error) {
	var waiting bool
	backoff := retry.WithMaxRetries(registerMaxRetries, retry.NewExponential(registerBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		w, err := m.CheckForUpdates(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		waiting = w
		return nil
	})
	return waiting, err
}

// SkipWaiting activates the waiting worker, retiring the current one.
// Fails with common.ErrNoWaiting when no update is pending.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	m.mu.Lock()
	waiting := m.waiting
	active := m.active
	m.waiting = nil
	m.mu.Unlock()
	if waiting == nil {
		return fmt.Errorf("worker: skip waiting: %w", common.ErrNoWaiting)
	}

	if _, err := waiting.Conn().Request(ctx, msgx.TypeSkipWaiting, nil); err != nil {
		m.mu.Lock()
		m.waiting = waiting
		m.mu.Unlock()
		return fmt.Errorf("worker: skip waiting: %w", err)
	}

	if active != nil {
		m.mu.Lock()
		if m.active == active {
			m.active = nil
		}
		m.mu.Unlock()
		_ = active.Stop()
	}
	m.activate(ctx, waiting)
	m.recordBinaryVersion(ctx)
	return nil
}

// Unregister stops every worker instance and clears registration state.
func (m *Manager) Unregister() error {
	m.mu.Lock()
	active, waiting := m.active, m.waiting
	m.active, m.waiting = nil, nil
	m.mu.Unlock()

	var err error
	if active != nil {
		err = active.Stop()
	}
	if waiting != nil {
		if werr := waiting.Stop(); err == nil {
			err = werr
		}
	}
	m.setState(context.Background(), StateNotRegistered, nil)
	return err
}

// Close tears the manager down, including event subscriptions.
func (m *Manager) Close() error {
	err := m.Unregister()
	m.events.Close()
	return err
}

// PostMessage sends to the active worker: a correlated request when
// expectResponse is set, a fire-and-forget notify otherwise.
func (m *Manager) PostMessage(ctx context.Context, msgType string, payload any, expectResponse bool) (json.RawMessage, error) {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active == nil {
		return nil, fmt.Errorf("worker: post message %s: %w", msgType, common.ErrNotRegistered)
	}
	if expectResponse {
		return active.Conn().Request(ctx, msgType, payload)
	}
	return nil, active.Conn().Notify(msgType, payload)
}

// RegisterSync asks the active worker to drain the queue.
func (m *Manager) RegisterSync(ctx context.Context, tag string) error {
	_, err := m.PostMessage(ctx, msgx.TypeRegisterSync, &msgx.RegisterSyncRequest{Tag: tag}, true)
	return err
}

// ActiveVersion reports the running worker's handshake version, or "".
func (m *Manager) ActiveVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.Version()
}

func (m *Manager) setState(ctx context.Context, s State, err error) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	if err != nil {
		m.logger.Error(ctx, "worker state transition failed", "state", string(s), "error", err)
	}
	m.events.Publish(Event{State: s, Err: err})
}

// recordBinaryVersion remembers the registered binary hash in the sidecar
// so later runs can detect on-disk updates. Best effort.
func (m *Manager) recordBinaryVersion(ctx context.Context) {
	if m.sc == nil {
		return
	}
	v, err := m.BinaryVersion()
	if err != nil {
		return
	}
	if err := m.sc.Put(sidecarVersionKey, []byte(v)); err != nil {
		m.logger.Warn(ctx, "recording worker version failed", "error", err)
	}
}
