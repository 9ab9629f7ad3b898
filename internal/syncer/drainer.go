package syncer

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"qrkeeper/internal/logging"
	"qrkeeper/internal/repositories/queue"
)

// DefaultBatchSize bounds concurrent deliveries within one drain batch.
const DefaultBatchSize = 5

// Drainer replays queued requests against their upstream. Requests are
// delivered concurrently within a batch and sequentially across batches;
// batch order follows the queue's priority-then-age order.
type Drainer struct {
	repo      queue.Repository
	client    *http.Client
	logger    logging.Logger
	batchSize int
	notify    func(Event)
}

// NewDrainer wires a drainer. notify may be nil; a nil client falls back to
// http.DefaultClient.
func NewDrainer(repo queue.Repository, client *http.Client, logger logging.Logger, notify func(Event)) *Drainer {
	if client == nil {
		client = http.DefaultClient
	}
	if notify == nil {
		notify = func(Event) {}
	}
	return &Drainer{
		repo:      repo,
		client:    client,
		logger:    logger,
		batchSize: DefaultBatchSize,
		notify:    notify,
	}
}

// Drain replays every currently retryable request once. A 2xx response
// removes the request; any other outcome bumps its retry counter, removing
// it once the limit is reached. Returns how many requests were delivered.
func (d *Drainer) Drain(ctx context.Context) (int, error) {
	retryable, err := d.repo.Retryable(ctx)
	if err != nil {
		return 0, fmt.Errorf("syncer: drain: %w", err)
	}
	if len(retryable) == 0 {
		return 0, nil
	}
	d.logger.Info(ctx, "draining request queue", "pending", len(retryable))

	var processed atomic.Int64
	for start := 0; start < len(retryable); start += d.batchSize {
		end := start + d.batchSize
		if end > len(retryable) {
			end = len(retryable)
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, req := range retryable[start:end] {
			g.Go(func() error {
				ok, err := d.deliver(gctx, &req)
				if err != nil {
					return err
				}
				if ok {
					processed.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return int(processed.Load()), fmt.Errorf("syncer: drain: %w", err)
		}
	}
	return int(processed.Load()), nil
}

// deliver attempts one request. The returned error reflects repository
// failures only; HTTP failures are absorbed into retry bookkeeping.
func (d *Drainer) deliver(ctx context.Context, req *queue.QueuedRequest) (bool, error) {
	status, sendErr := d.send(ctx, req)

	if sendErr == nil && status >= 200 && status < 300 {
		if err := d.repo.Remove(ctx, req.ID); err != nil {
			return false, err
		}
		d.notify(RequestSynced{RequestID: req.ID, URL: req.URL, Method: req.Method, Status: status})
		return true, nil
	}

	if sendErr != nil {
		d.logger.Warn(ctx, "request delivery failed", "id", req.ID, "url", req.URL, "error", sendErr)
	} else {
		d.logger.Warn(ctx, "request delivery rejected", "id", req.ID, "url", req.URL, "status", status)
	}

	attempts, err := d.repo.IncrementRetry(ctx, req.ID)
	if err != nil {
		return false, err
	}
	if attempts >= req.MaxRetries {
		if err := d.repo.Remove(ctx, req.ID); err != nil {
			return false, err
		}
		d.notify(RequestFailed{RequestID: req.ID, URL: req.URL, Attempts: attempts})
	}
	return false, nil
}

func (d *Drainer) send(ctx context.Context, req *queue.QueuedRequest) (int, error) {
	var body *strings.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	} else {
		body = strings.NewReader("")
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return 0, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
