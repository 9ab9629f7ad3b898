package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrkeeper/internal/logging"
	"qrkeeper/internal/repositories/queue"
)

func TestDrainer_DeliversInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	repo := newQueueRepo(t)

	var mu sync.Mutex
	var seen []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	// One per batch so delivery order is observable.
	for _, p := range []struct {
		path     string
		priority int
	}{
		{"/low", queue.PriorityLowest},
		{"/high", queue.PriorityHighest},
		{"/mid", queue.PriorityDefault},
	} {
		_, err := repo.Enqueue(ctx, &queue.QueuedRequest{
			URL:      upstream.URL + p.path,
			Method:   "POST",
			Priority: p.priority,
		}, false)
		require.NoError(t, err)
	}

	d := NewDrainer(repo, upstream.Client(), logging.NewNop(), nil)
	d.batchSize = 1

	processed, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Equal(t, []string{"/high", "/mid", "/low"}, seen)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestDrainer_NonSuccessLeavesRequestQueued(t *testing.T) {
	ctx := context.Background()
	repo := newQueueRepo(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	id, err := repo.Enqueue(ctx, &queue.QueuedRequest{URL: upstream.URL, Method: "POST"}, false)
	require.NoError(t, err)

	d := NewDrainer(repo, upstream.Client(), logging.NewNop(), nil)
	processed, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed)

	req, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, 1, req.RetryCount)
}

func TestDrainer_SuccessEmitsSyncedEvent(t *testing.T) {
	ctx := context.Background()
	repo := newQueueRepo(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	id, err := repo.Enqueue(ctx, &queue.QueuedRequest{URL: upstream.URL, Method: "PUT"}, false)
	require.NoError(t, err)

	var synced []RequestSynced
	d := NewDrainer(repo, upstream.Client(), logging.NewNop(), func(e Event) {
		if s, ok := e.(RequestSynced); ok {
			synced = append(synced, s)
		}
	})

	processed, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	require.Len(t, synced, 1)
	assert.Equal(t, id, synced[0].RequestID)
	assert.Equal(t, http.StatusCreated, synced[0].Status)
}

func TestDrainer_EmptyQueueIsNoOp(t *testing.T) {
	repo := newQueueRepo(t)
	d := NewDrainer(repo, nil, logging.NewNop(), nil)

	processed, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed)
}
