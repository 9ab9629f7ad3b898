// Package worker implements the background worker process: a msgx server
// on a unix socket that owns the named caches and drains the shared request
// queue, plus the lifecycle manager that supervises it from the application
// side.
package worker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"qrkeeper/internal/logging"
	"qrkeeper/internal/msgx"
	"qrkeeper/internal/repositories/queue"
	"qrkeeper/internal/syncer"
)

// QueueRequestPayload is the QUEUE_REQUEST message body.
type QueueRequestPayload struct {
	Request queue.QueuedRequest `json:"request"`
}

// QueueRequestResult answers QUEUE_REQUEST with the assigned id.
type QueueRequestResult struct {
	ID string `json:"id"`
}

// Worker serves the worker side of the protocol. One Worker may hold many
// client connections; broadcasts fan out to all of them.
type Worker struct {
	version string
	socket  string
	caches  *CacheStore
	repo    queue.Repository
	drainer *syncer.Drainer
	logger  logging.Logger

	// OnSkipWaiting runs when a client sends SKIP_WAITING. The supervisor
	// uses it to hand the active socket to a waiting instance.
	OnSkipWaiting func()

	mu       sync.Mutex
	conns    map[*msgx.Conn]struct{}
	listener net.Listener

	draining atomic.Bool
}

func New(version, socketPath string, caches *CacheStore, repo queue.Repository, client *http.Client, logger logging.Logger) *Worker {
	w := &Worker{
		version: version,
		socket:  socketPath,
		caches:  caches,
		repo:    repo,
		logger:  logger,
		conns:   make(map[*msgx.Conn]struct{}),
	}
	w.drainer = syncer.NewDrainer(repo, client, logger, w.broadcastEvent)
	return w
}

// Version reports the version announced on handshake.
func (w *Worker) Version() string { return w.version }

// Serve listens on the unix socket until ctx is cancelled. A stale socket
// file from a crashed predecessor is removed first.
func (w *Worker) Serve(ctx context.Context) error {
	if err := os.Remove(w.socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("worker: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", w.socket)
	if err != nil {
		return fmt.Errorf("worker: listen: %w", err)
	}
	w.mu.Lock()
	w.listener = ln
	w.mu.Unlock()
	w.logger.Info(ctx, "worker serving", "socket", w.socket, "version", w.version)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker: accept: %w", err)
		}
		w.serveConn(ctx, nc)
	}
}

// Close stops the listener and drops every client connection.
func (w *Worker) Close() error {
	w.mu.Lock()
	ln := w.listener
	conns := make([]*msgx.Conn, 0, len(w.conns))
	for c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// serveConn wires one client: request handlers first, then the version
// handshake broadcast.
func (w *Worker) serveConn(ctx context.Context, nc net.Conn) {
	conn := msgx.NewConn(nc, w.logger)

	conn.Handle(msgx.TypeGetCacheInfo, func(ctx context.Context, data json.RawMessage) (any, error) {
		caches, err := w.caches.Info()
		if err != nil {
			return nil, err
		}
		return &msgx.CacheInfoResult{Caches: caches}, nil
	})

	conn.Handle(msgx.TypeClearCache, func(ctx context.Context, data json.RawMessage) (any, error) {
		var req msgx.ClearCacheRequest
		if len(data) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
		}
		cleared, err := w.caches.Clear(req.CacheName)
		if err != nil {
			return nil, err
		}
		for _, name := range cleared {
			w.broadcast(msgx.TypeCacheUpdated, &msgx.CacheUpdatedPayload{CacheName: name})
		}
		return &msgx.ClearCacheResult{Cleared: cleared}, nil
	})

	// RegisterSync replies only after the drain finishes so a failing
	// cycle surfaces as an error on the requesting side. The application
	// falls back to draining with its own key material, which matters for
	// password-protected vaults the worker cannot decrypt.
	conn.Handle(msgx.TypeRegisterSync, func(ctx context.Context, data json.RawMessage) (any, error) {
		return nil, w.drain(ctx)
	})

	conn.Handle(msgx.TypeQueueRequest, func(ctx context.Context, data json.RawMessage) (any, error) {
		var p QueueRequestPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		id, err := w.repo.Enqueue(ctx, &p.Request, false)
		if err != nil {
			return nil, err
		}
		go w.drain(context.WithoutCancel(ctx))
		return &QueueRequestResult{ID: id}, nil
	})

	conn.Handle(msgx.TypeSkipWaiting, func(ctx context.Context, data json.RawMessage) (any, error) {
		if w.OnSkipWaiting != nil {
			w.OnSkipWaiting()
		}
		return nil, nil
	})

	w.mu.Lock()
	w.conns[conn] = struct{}{}
	w.mu.Unlock()
	go func() {
		<-conn.Done()
		w.mu.Lock()
		delete(w.conns, conn)
		w.mu.Unlock()
	}()

	if err := conn.Notify(msgx.TypeOfflineReady, &msgx.OfflineReadyPayload{Version: w.version}); err != nil {
		w.logger.Warn(ctx, "worker handshake failed", "error", err)
	}
}

// drain runs one single-flight drain cycle and broadcasts the outcome.
// A cycle already in flight counts as success for the caller.
func (w *Worker) drain(ctx context.Context) error {
	if !w.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer w.draining.Store(false)

	processed, err := w.drainer.Drain(ctx)
	if err != nil {
		w.broadcast(msgx.TypeSyncFailed, &msgx.SyncFailedPayload{Error: err.Error()})
		return err
	}
	w.broadcast(msgx.TypeSyncComplete, &msgx.SyncCompletePayload{ProcessedCount: processed})
	return nil
}

func (w *Worker) broadcastEvent(e syncer.Event) {
	switch ev := e.(type) {
	case syncer.RequestSynced:
		w.broadcast(msgx.TypeRequestSynced, &msgx.RequestSyncedPayload{
			RequestID: ev.RequestID,
			URL:       ev.URL,
			Method:    ev.Method,
			Status:    ev.Status,
		})
	case syncer.RequestFailed:
		w.broadcast(msgx.TypeError, &msgx.ErrorPayload{
			Type:    "sync",
			Message: fmt.Sprintf("request %s to %s dropped after %d attempts", ev.RequestID, ev.URL, ev.Attempts),
		})
	}
}

func (w *Worker) broadcast(msgType string, payload any) {
	w.mu.Lock()
	conns := make([]*msgx.Conn, 0, len(w.conns))
	for c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()
	for _, c := range conns {
		if err := c.Notify(msgType, payload); err != nil {
			w.logger.Debug(context.Background(), "broadcast dropped", "type", msgType, "error", err)
		}
	}
}
