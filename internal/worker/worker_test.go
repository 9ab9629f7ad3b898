package worker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrkeeper/internal/backup"
	"qrkeeper/internal/logging"
	"qrkeeper/internal/msgx"
	"qrkeeper/internal/repositories/queue"
	"qrkeeper/internal/sidecar"
	"qrkeeper/internal/storage"
)

func newQueueRepo(t *testing.T) *queue.EngineRepository {
	t.Helper()
	dir := t.TempDir()

	sc, err := sidecar.Open(filepath.Join(dir, "sidecar"))
	require.NoError(t, err)
	sink, err := backup.NewFileSink(filepath.Join(dir, "backups"))
	require.NoError(t, err)

	engine := storage.NewEngine(filepath.Join(dir, "qrkeeper.db"), sc, sink, logging.NewNop())
	require.NoError(t, engine.Initialize(context.Background(), nil))
	t.Cleanup(func() { _ = engine.Close() })

	return queue.NewEngineRepository(engine)
}

type testClient struct {
	conn     *msgx.Conn
	version  chan string
	complete chan msgx.SyncCompletePayload
	failed   chan msgx.SyncFailedPayload
	synced   chan msgx.RequestSyncedPayload
}

// startWorker serves a daemon on a fresh socket and dials one client.
func startWorker(t *testing.T, w *Worker) *testClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Serve(ctx) }()
	t.Cleanup(func() { _ = w.Close() })

	var nc net.Conn
	var err error
	deadline := time.Now().Add(5 * time.Second)
	for {
		nc, err = net.Dial("unix", w.socket)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)

	tc := &testClient{
		version:  make(chan string, 1),
		complete: make(chan msgx.SyncCompletePayload, 4),
		failed:   make(chan msgx.SyncFailedPayload, 4),
		synced:   make(chan msgx.RequestSyncedPayload, 4),
	}
	tc.conn = msgx.NewConn(nc, logging.NewNop(),
		msgx.WithBroadcast(msgx.TypeOfflineReady, func(data json.RawMessage) {
			var p msgx.OfflineReadyPayload
			if json.Unmarshal(data, &p) == nil {
				tc.version <- p.Version
			}
		}),
		msgx.WithBroadcast(msgx.TypeSyncComplete, func(data json.RawMessage) {
			var p msgx.SyncCompletePayload
			if json.Unmarshal(data, &p) == nil {
				tc.complete <- p
			}
		}),
		msgx.WithBroadcast(msgx.TypeSyncFailed, func(data json.RawMessage) {
			var p msgx.SyncFailedPayload
			if json.Unmarshal(data, &p) == nil {
				tc.failed <- p
			}
		}),
		msgx.WithBroadcast(msgx.TypeRequestSynced, func(data json.RawMessage) {
			var p msgx.RequestSyncedPayload
			if json.Unmarshal(data, &p) == nil {
				tc.synced <- p
			}
		}),
	)
	t.Cleanup(func() { _ = tc.conn.Close() })
	return tc
}

func TestWorker_HandshakeAnnouncesVersion(t *testing.T) {
	caches, err := OpenCacheStore(t.TempDir())
	require.NoError(t, err)
	w := New("v1", filepath.Join(t.TempDir(), "w.sock"), caches, newQueueRepo(t), nil, logging.NewNop())
	tc := startWorker(t, w)

	select {
	case v := <-tc.version:
		assert.Equal(t, "v1", v)
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake")
	}
}

func TestWorker_CacheInfoAndClear(t *testing.T) {
	caches, err := OpenCacheStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, caches.Put("static", "/app.js", []byte("abc")))

	w := New("v1", filepath.Join(t.TempDir(), "w.sock"), caches, newQueueRepo(t), nil, logging.NewNop())
	tc := startWorker(t, w)
	ctx := context.Background()

	raw, err := tc.conn.Request(ctx, msgx.TypeGetCacheInfo, nil)
	require.NoError(t, err)
	var info msgx.CacheInfoResult
	require.NoError(t, json.Unmarshal(raw, &info))
	require.Len(t, info.Caches, 1)
	assert.Equal(t, "static", info.Caches[0].Name)
	assert.Equal(t, int64(3), info.Caches[0].Bytes)

	raw, err = tc.conn.Request(ctx, msgx.TypeClearCache, &msgx.ClearCacheRequest{CacheName: "static"})
	require.NoError(t, err)
	var cleared msgx.ClearCacheResult
	require.NoError(t, json.Unmarshal(raw, &cleared))
	assert.Equal(t, []string{"static"}, cleared.Cleared)

	_, err = tc.conn.Request(ctx, msgx.TypeClearCache, &msgx.ClearCacheRequest{CacheName: "static"})
	assert.Error(t, err)
}

func TestWorker_QueueRequestDrainsAndBroadcasts(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	caches, err := OpenCacheStore(t.TempDir())
	require.NoError(t, err)
	repo := newQueueRepo(t)
	w := New("v1", filepath.Join(t.TempDir(), "w.sock"), caches, repo, upstream.Client(), logging.NewNop())
	tc := startWorker(t, w)
	ctx := context.Background()

	raw, err := tc.conn.Request(ctx, msgx.TypeQueueRequest, &QueueRequestPayload{
		Request: queue.QueuedRequest{URL: upstream.URL, Method: "POST", Body: `{"n":1}`},
	})
	require.NoError(t, err)
	var res QueueRequestResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.NotEmpty(t, res.ID)

	select {
	case p := <-tc.synced:
		assert.Equal(t, res.ID, p.RequestID)
		assert.Equal(t, http.StatusOK, p.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no REQUEST_SYNCED broadcast")
	}
	select {
	case p := <-tc.complete:
		assert.Equal(t, 1, p.ProcessedCount)
	case <-time.After(5 * time.Second):
		t.Fatal("no SYNC_COMPLETE broadcast")
	}
	assert.Equal(t, int64(1), hits.Load())

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestWorker_RegisterSyncDrains(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	caches, err := OpenCacheStore(t.TempDir())
	require.NoError(t, err)
	repo := newQueueRepo(t)
	_, err = repo.Enqueue(context.Background(), &queue.QueuedRequest{URL: upstream.URL, Method: "DELETE"}, false)
	require.NoError(t, err)

	w := New("v1", filepath.Join(t.TempDir(), "w.sock"), caches, repo, upstream.Client(), logging.NewNop())
	tc := startWorker(t, w)

	_, err = tc.conn.Request(context.Background(), msgx.TypeRegisterSync, &msgx.RegisterSyncRequest{Tag: "drain"})
	require.NoError(t, err)

	select {
	case p := <-tc.complete:
		assert.Equal(t, 1, p.ProcessedCount)
	case <-time.After(5 * time.Second):
		t.Fatal("no SYNC_COMPLETE broadcast")
	}
	assert.Equal(t, int64(1), hits.Load())
}

func TestWorker_RegisterSyncReportsDrainFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	sc, err := sidecar.Open(filepath.Join(dir, "sidecar"))
	require.NoError(t, err)
	sink, err := backup.NewFileSink(filepath.Join(dir, "backups"))
	require.NoError(t, err)

	// enqueue a body-carrying request under a password-protected vault
	owner := storage.NewEngine(filepath.Join(dir, "qrkeeper.db"), sc, sink, logging.NewNop())
	require.NoError(t, owner.Initialize(ctx, []byte("hunter2")))
	id, err := queue.NewEngineRepository(owner).Enqueue(ctx,
		&queue.QueuedRequest{URL: upstream.URL, Method: "POST", Body: `{"n":1}`}, false)
	require.NoError(t, err)
	require.NoError(t, owner.Close())

	// the worker process opens the same store without the password and
	// cannot decrypt the body
	keyless := storage.NewEngine(filepath.Join(dir, "qrkeeper.db"), sc, sink, logging.NewNop())
	require.NoError(t, keyless.Initialize(ctx, nil))

	caches, err := OpenCacheStore(t.TempDir())
	require.NoError(t, err)
	w := New("v1", filepath.Join(t.TempDir(), "w.sock"), caches, queue.NewEngineRepository(keyless), upstream.Client(), logging.NewNop())
	tc := startWorker(t, w)

	_, err = tc.conn.Request(ctx, msgx.TypeRegisterSync, &msgx.RegisterSyncRequest{Tag: "drain"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "decryption failed")

	select {
	case p := <-tc.failed:
		assert.Contains(t, p.Error, "decryption failed")
	case <-time.After(5 * time.Second):
		t.Fatal("no SYNC_FAILED broadcast")
	}
	assert.Equal(t, int64(0), hits.Load())

	// the request survives for a drain that holds the key
	require.NoError(t, keyless.Close())
	owner = storage.NewEngine(filepath.Join(dir, "qrkeeper.db"), sc, sink, logging.NewNop())
	require.NoError(t, owner.Initialize(ctx, []byte("hunter2")))
	defer owner.Close()
	req, err := queue.NewEngineRepository(owner).Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, `{"n":1}`, req.Body)
}

func TestWorker_SkipWaitingCallback(t *testing.T) {
	caches, err := OpenCacheStore(t.TempDir())
	require.NoError(t, err)
	w := New("v1", filepath.Join(t.TempDir(), "w.sock"), caches, newQueueRepo(t), nil, logging.NewNop())

	called := make(chan struct{}, 1)
	w.OnSkipWaiting = func() { called <- struct{}{} }
	tc := startWorker(t, w)

	_, err = tc.conn.Request(context.Background(), msgx.TypeSkipWaiting, nil)
	require.NoError(t, err)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("OnSkipWaiting not invoked")
	}
}
