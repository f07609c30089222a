package backends

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Error wraps any Backend and randomly returns errors based on a configured percentage.
// This is useful for testing error handling and resilience, in particular the
// collector's handling of individual deletion failures.
type Error struct {
	backend   Backend
	errorRate float64 // Percentage of operations that should fail (0.0 to 1.0)

	rng   *rand.Rand
	rngMu sync.Mutex // Protects rng access (rand.Rand is not thread-safe)

	readErrors   atomic.Int64
	writeErrors  atomic.Int64
	removeErrors atomic.Int64
}

// NewError creates a new error-injecting wrapper around an existing backend.
// errorRate should be between 0.0 (no errors) and 1.0 (all errors fail).
// Only reads, writes and removals fail; directory operations always pass
// through so that priming stays deterministic.
func NewError(backend Backend, errorRate float64) *Error {
	if errorRate < 0.0 {
		errorRate = 0.0
	}
	if errorRate > 1.0 {
		errorRate = 1.0
	}

	return &Error{
		backend:   backend,
		errorRate: errorRate,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// shouldError returns true if this operation should fail based on the error rate.
// This method is thread-safe.
func (e *Error) shouldError() bool {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64() < e.errorRate
}

func (e *Error) simulated(op string) error {
	return fmt.Errorf("error backend: simulated %s error (error rate: %.2f%%)", op, e.errorRate*100)
}

// Abs passes through.
func (e *Error) Abs(dir string) (string, error) {
	return e.backend.Abs(dir)
}

// MkdirAll passes through.
func (e *Error) MkdirAll(ctx context.Context, dir string) error {
	return e.backend.MkdirAll(ctx, dir)
}

// List passes through.
func (e *Error) List(ctx context.Context, dir string) ([]string, error) {
	return e.backend.List(ctx, dir)
}

// Exists passes through.
func (e *Error) Exists(ctx context.Context, path string) (bool, error) {
	return e.backend.Exists(ctx, path)
}

// Size passes through.
func (e *Error) Size(ctx context.Context, path string) (int64, error) {
	return e.backend.Size(ctx, path)
}

// Read reads path, potentially returning an error.
func (e *Error) Read(ctx context.Context, path string) ([]byte, error) {
	if e.shouldError() {
		e.readErrors.Add(1)
		return nil, e.simulated("Read")
	}
	return e.backend.Read(ctx, path)
}

// Write writes path, potentially returning an error.
func (e *Error) Write(ctx context.Context, path string, data []byte) error {
	if e.shouldError() {
		e.writeErrors.Add(1)
		return e.simulated("Write")
	}
	return e.backend.Write(ctx, path, data)
}

// Remove deletes path, potentially returning an error.
func (e *Error) Remove(ctx context.Context, path string) error {
	if e.shouldError() {
		e.removeErrors.Add(1)
		return e.simulated("Remove")
	}
	return e.backend.Remove(ctx, path)
}

// Close passes through.
func (e *Error) Close() error {
	return e.backend.Close()
}

// GetStats returns the number of errors injected for each operation type.
// This method is thread-safe.
func (e *Error) GetStats() (readErrors, writeErrors, removeErrors int64) {
	return e.readErrors.Load(), e.writeErrors.Load(), e.removeErrors.Load()
}
