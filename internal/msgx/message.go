// Package msgx is a small correlated-message layer: JSON envelopes in
// length-delimited frames over any io.ReadWriteCloser. One Conn serves both
// roles, issuing requests and answering the peer's, so the application and
// the worker use the same type on either end of the socket.
package msgx

import (
	"github.com/goccy/go-json"
)

// Request types understood by the worker.
const (
	TypeSkipWaiting  = "SKIP_WAITING"
	TypeGetCacheInfo = "GET_CACHE_INFO"
	TypeClearCache   = "CLEAR_CACHE"
	TypeRegisterSync = "REGISTER_SYNC"
	TypeQueueRequest = "QUEUE_REQUEST"
)

// Broadcast types sent by the worker without correlation.
const (
	TypeCacheUpdated  = "CACHE_UPDATED"
	TypeOfflineReady  = "OFFLINE_READY"
	TypeError         = "ERROR"
	TypeSyncComplete  = "SYNC_COMPLETE"
	TypeSyncFailed    = "SYNC_FAILED"
	TypeRequestSynced = "REQUEST_SYNCED"
)

// Envelope is the wire unit. Requests carry a non-zero _messageId; the
// response echoes it back with either success+data or error. Broadcasts
// leave _messageId zero.
type Envelope struct {
	Type      string          `json:"type"`
	MessageID uint64          `json:"_messageId,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CacheInfo describes one named cache.
type CacheInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// CacheInfoResult answers GET_CACHE_INFO.
type CacheInfoResult struct {
	Caches []CacheInfo `json:"caches"`
}

// ClearCacheRequest names the cache to drop; empty means all.
type ClearCacheRequest struct {
	CacheName string `json:"cacheName,omitempty"`
}

// ClearCacheResult answers CLEAR_CACHE.
type ClearCacheResult struct {
	Cleared []string `json:"cleared"`
}

// RegisterSyncRequest asks the worker to schedule a queue drain.
type RegisterSyncRequest struct {
	Tag string `json:"tag"`
}

// OfflineReadyPayload announces the worker version on handshake.
type OfflineReadyPayload struct {
	Version string `json:"version"`
}

// CacheUpdatedPayload reports a changed named cache.
type CacheUpdatedPayload struct {
	CacheName string `json:"cacheName"`
}

// ErrorPayload is the generic error broadcast.
type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SyncCompletePayload reports a finished drain.
type SyncCompletePayload struct {
	ProcessedCount int `json:"processedCount"`
}

// SyncFailedPayload reports an aborted drain.
type SyncFailedPayload struct {
	Error string `json:"error"`
}

// RequestSyncedPayload reports one delivered queued request.
type RequestSyncedPayload struct {
	RequestID string `json:"requestId"`
	URL       string `json:"url"`
	Method    string `json:"method"`
	Status    int    `json:"status"`
}
