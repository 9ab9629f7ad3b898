// Package common defines shared constants and sentinel errors used across
// the qrkeeper storage, sync and worker layers. Callers should use errors.Is
// to match these values.
package common

import "errors"

var (
	// Storage-level errors.
	ErrNotInitialized = errors.New("storage not initialized")
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrTransaction    = errors.New("transaction failed")

	// Encryption errors. A decrypt failure on a record flagged encrypted is
	// a corruption signal and must reach the caller.
	ErrDecryptFailed = errors.New("decryption failed")

	// Platform / capability errors.
	ErrUnsupported = errors.New("capability unsupported")

	// Queue and sync errors.
	ErrRetryExhausted = errors.New("retry limit exhausted")
	ErrDuplicate      = errors.New("duplicate request")

	// Worker lifecycle errors.
	ErrNotRegistered = errors.New("worker not registered")
	ErrNoWaiting     = errors.New("no waiting worker")
	ErrRedundant     = errors.New("worker redundant")

	// Messaging errors.
	ErrTimeout = errors.New("request timed out")
	ErrClosed  = errors.New("connection closed")

	// Update protocol errors.
	ErrUpdateFailed   = errors.New("update failed")
	ErrRollbackFailed = errors.New("rollback failed")
)
