// Package queue is the outbound-request repository: a durable queue of HTTP
// mutations ordered by priority then enqueue time, with retry bookkeeping.
// Retry *policy* lives in the sync coordinator; this package only stores
// and reports state.
package queue

import (
	"context"
	"time"
)

// Priority bounds: 1 is serviced first.
const (
	PriorityHighest = 1
	PriorityDefault = 3
	PriorityLowest  = 5
)

// DefaultMaxRetries applies when the caller does not set a limit.
const DefaultMaxRetries = 3

// QueuedRequest is one pending outbound HTTP request.
type QueuedRequest struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          string            `json:"body,omitempty"`
	Timestamp     int64             `json:"timestamp"` // unix milliseconds, FIFO tiebreaker
	Priority      int               `json:"priority"`
	RetryCount    int               `json:"retryCount"`
	MaxRetries    int               `json:"maxRetries"`
	Encrypted     bool              `json:"encrypted"`
	SchemaVersion int64             `json:"schemaVersion"`
}

// Retryable reports whether the request may still be attempted.
func (r *QueuedRequest) Retryable() bool {
	return r.RetryCount < r.MaxRetries
}

// Stats aggregates the queue for diagnostics.
type Stats struct {
	Total      int            `json:"total"`
	Retryable  int            `json:"retryable"`
	Failed     int            `json:"failed"`
	ByPriority map[int]int    `json:"byPriority"`
	ByMethod   map[string]int `json:"byMethod"`
	Oldest     int64          `json:"oldest,omitempty"` // unix milliseconds
	Newest     int64          `json:"newest,omitempty"`
}

// Repository is the queue contract.
type Repository interface {
	// Enqueue persists a request, assigning id, timestamp, priority and
	// retry limit defaults. With rejectDuplicates set, an already-queued
	// request with the same url, method and body fails with
	// common.ErrDuplicate.
	Enqueue(ctx context.Context, req *QueuedRequest, rejectDuplicates bool) (string, error)

	// Get returns a request, or nil when absent.
	Get(ctx context.Context, id string) (*QueuedRequest, error)

	// Remove deletes a request; absent ids are a no-op.
	Remove(ctx context.Context, id string) error

	// Retryable returns requests still below their retry limit, ordered by
	// priority ascending then timestamp ascending.
	Retryable(ctx context.Context) ([]QueuedRequest, error)

	// Failed returns requests that exhausted their retries.
	Failed(ctx context.Context) ([]QueuedRequest, error)

	// NextBatch returns up to n retryable requests in drain order.
	NextBatch(ctx context.Context, n int) ([]QueuedRequest, error)

	// IncrementRetry bumps the retry counter and returns the new count.
	IncrementRetry(ctx context.Context, id string) (int, error)

	// RetryAllFailed resets the counters of failed requests so a
	// subsequent drain picks them up again. Returns how many were reset.
	RetryAllFailed(ctx context.Context) (int, error)

	// ClearFailed removes requests that exhausted their retries.
	ClearFailed(ctx context.Context) (int, error)

	// CleanupOlderThan removes requests enqueued before now-maxAge.
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error)

	// Stats aggregates the queue.
	Stats(ctx context.Context) (*Stats, error)

	// Clear empties the queue.
	Clear(ctx context.Context) error
}
