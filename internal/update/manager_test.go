package update

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrkeeper/internal/common"
	"qrkeeper/internal/logging"
	"qrkeeper/internal/msgx"
	"qrkeeper/internal/sidecar"
)

// fakeLifecycle simulates the worker lifecycle manager.
type fakeLifecycle struct {
	mu            sync.Mutex
	activated     bool
	activeVersion string
	binaryVersion string
	waiting       bool

	skipErr     error
	registerErr error

	skipped      int
	unregistered int
	registered   int
	clearedCache int
}

func (f *fakeLifecycle) Register(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered++
	if f.registerErr != nil {
		return f.registerErr
	}
	f.activated = true
	return nil
}

func (f *fakeLifecycle) Unregister() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered++
	f.activated = false
	return nil
}

func (f *fakeLifecycle) Activated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activated
}

func (f *fakeLifecycle) ActiveVersion() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeVersion
}

func (f *fakeLifecycle) BinaryVersion() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.binaryVersion, nil
}

func (f *fakeLifecycle) CheckForUpdates(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiting, nil
}

func (f *fakeLifecycle) SkipWaiting(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped++
	if f.skipErr != nil {
		return f.skipErr
	}
	f.activeVersion = f.binaryVersion
	f.waiting = false
	f.activated = true
	return nil
}

func (f *fakeLifecycle) PostMessage(ctx context.Context, msgType string, payload any, expectResponse bool) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msgType == msgx.TypeClearCache {
		f.clearedCache++
	}
	return nil, nil
}

func newSidecar(t *testing.T) *sidecar.Store {
	t.Helper()
	sc, err := sidecar.Open(filepath.Join(t.TempDir(), "sidecar"))
	require.NoError(t, err)
	return sc
}

func collect(events <-chan Event, want func(Event) bool, timeout time.Duration) Event {
	deadline := time.After(timeout)
	for {
		select {
		case e := <-events:
			if want(e) {
				return e
			}
		case <-deadline:
			return nil
		}
	}
}

func TestCheck_AnnouncesUpdateOnce(t *testing.T) {
	lc := &fakeLifecycle{activated: true, activeVersion: "v1", binaryVersion: "v2", waiting: true}
	m := NewManager(lc, newSidecar(t), nil, logging.NewNop())
	defer m.Stop()
	events, off := m.Events()
	defer off()

	waiting, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, waiting)

	e := collect(events, func(e Event) bool { _, ok := e.(Available); return ok }, 2*time.Second)
	require.NotNil(t, e)
	assert.Equal(t, "v2", e.(Available).Version)

	// a second check must not re-announce
	_, err = m.Check(context.Background())
	require.NoError(t, err)
	e = collect(events, func(e Event) bool { _, ok := e.(Available); return ok }, 200*time.Millisecond)
	assert.Nil(t, e)

	st := m.Status()
	assert.True(t, st.UpdateAvailable)
	assert.Equal(t, "v2", st.PendingVersion)
	assert.False(t, st.LastCheck.IsZero())
}

func TestPrompt_AcceptAppliesUpdate(t *testing.T) {
	lc := &fakeLifecycle{activated: true, activeVersion: "v1", binaryVersion: "v2", waiting: true}
	prompter := PrompterFunc(func(ctx context.Context, version string) (bool, error) {
		return true, nil
	})
	m := NewManager(lc, newSidecar(t), prompter, logging.NewNop(),
		WithPromptDelay(10*time.Millisecond), WithPromptBackoff(10*time.Millisecond))
	defer m.Stop()
	events, off := m.Events()
	defer off()

	_, err := m.Check(context.Background())
	require.NoError(t, err)

	e := collect(events, func(e Event) bool { _, ok := e.(Applied); return ok }, 5*time.Second)
	require.NotNil(t, e)
	assert.Equal(t, "v2", e.(Applied).Version)

	lc.mu.Lock()
	assert.Equal(t, 1, lc.skipped)
	assert.Equal(t, "v2", lc.activeVersion)
	lc.mu.Unlock()

	rd, err := m.RollbackData()
	require.NoError(t, err)
	assert.Nil(t, rd)

	st := m.Status()
	assert.False(t, st.UpdateAvailable)
	assert.Zero(t, st.PromptAttempts)
}

func TestPrompt_DeclineCapDowngradesToBanner(t *testing.T) {
	lc := &fakeLifecycle{activated: true, activeVersion: "v1", binaryVersion: "v2", waiting: true}
	prompts := 0
	prompter := PrompterFunc(func(ctx context.Context, version string) (bool, error) {
		prompts++
		return false, nil
	})
	m := NewManager(lc, newSidecar(t), prompter, logging.NewNop(),
		WithPromptDelay(10*time.Millisecond), WithPromptBackoff(10*time.Millisecond))
	defer m.Stop()
	events, off := m.Events()
	defer off()

	_, err := m.Check(context.Background())
	require.NoError(t, err)

	e := collect(events, func(e Event) bool { _, ok := e.(PromptDowngraded); return ok }, 5*time.Second)
	require.NotNil(t, e)
	assert.Equal(t, PromptAttemptCap, prompts)
	assert.Equal(t, PromptAttemptCap, m.Status().PromptAttempts)
	assert.Equal(t, 0, lc.skipped)
}

func TestApply_FailureRollsBack(t *testing.T) {
	lc := &fakeLifecycle{activated: true, activeVersion: "v1", binaryVersion: "v2", waiting: true}
	lc.skipErr = errors.New("handover refused")
	sc := newSidecar(t)
	m := NewManager(lc, sc, nil, logging.NewNop())
	defer m.Stop()
	events, off := m.Events()
	defer off()

	require.NoError(t, func() error { _, err := m.Check(context.Background()); return err }())

	err := m.Apply(context.Background())
	assert.ErrorIs(t, err, common.ErrUpdateFailed)

	started := collect(events, func(e Event) bool { _, ok := e.(RollbackStarted); return ok }, 2*time.Second)
	require.NotNil(t, started)
	completed := collect(events, func(e Event) bool { _, ok := e.(RollbackCompleted); return ok }, 2*time.Second)
	require.NotNil(t, completed)

	lc.mu.Lock()
	assert.Equal(t, 1, lc.unregistered)
	assert.Equal(t, 1, lc.registered)
	assert.Equal(t, 1, lc.clearedCache)
	lc.mu.Unlock()

	// the pre-update snapshot survives a rollback for inspection
	rd, err := m.RollbackData()
	require.NoError(t, err)
	require.NotNil(t, rd)
	assert.Equal(t, "v1", rd.Version)
}

func TestApply_RollbackFailureReported(t *testing.T) {
	lc := &fakeLifecycle{activated: true, activeVersion: "v1", binaryVersion: "v2", waiting: true}
	lc.skipErr = errors.New("handover refused")
	lc.registerErr = errors.New("no cached build")
	m := NewManager(lc, newSidecar(t), nil, logging.NewNop())
	defer m.Stop()
	events, off := m.Events()
	defer off()

	err := m.Apply(context.Background())
	assert.ErrorIs(t, err, common.ErrRollbackFailed)

	failed := collect(events, func(e Event) bool { _, ok := e.(RollbackFailed); return ok }, 2*time.Second)
	require.NotNil(t, failed)
}

func TestOnForeground_RunsCheck(t *testing.T) {
	lc := &fakeLifecycle{activated: true, activeVersion: "v1", binaryVersion: "v1"}
	m := NewManager(lc, newSidecar(t), nil, logging.NewNop())
	defer m.Stop()

	m.OnForeground(context.Background())
	assert.False(t, m.Status().LastCheck.IsZero())
	assert.False(t, m.Status().UpdateAvailable)
}
