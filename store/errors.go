package store

import "errors"

var (
	// ErrNotRunning is returned by every operation attempted before Prime was
	// called. It indicates a wiring mistake, not a recoverable condition.
	ErrNotRunning = errors.New("loadercache: the cache store is not running, Prime must be called first")

	// ErrInvalidKey is returned for keys that would escape the cache directory.
	ErrInvalidKey = errors.New("invalid artifact key")
)
