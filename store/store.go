// Package store implements the reference-tracked artifact cache.
//
// A Store owns one cache directory. Every artifact file in it is named after
// a Key and is owned by the resource that last derived its filename. Once per
// build pass, Collect is handed the set of live resources and deletes every
// file that no live resource owns.
//
// Ownership bookkeeping is in-memory only. On startup, Prime lists the cache
// directory and treats every file found there as unattributed, so files left
// over from previous processes are reclaimed by the first collection unless a
// live resource claims them again.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/richardartoul/loadercache/backends"
	"github.com/richardartoul/loadercache/dedupe"
)

const defaultDeleteConcurrency = 8

type primeState int

const (
	stateUninitialized primeState = iota
	statePriming
	stateReady
	stateFailed
)

// Options configures a Store. The zero value is usable.
type Options struct {
	// Logger receives verbose progress at debug level. Defaults to slog.Default().
	Logger *slog.Logger

	// Writes deduplicates concurrent writes of the same bytes to one artifact path.
	// Defaults to an in-memory singleflight group.
	Writes dedupe.Group

	// DedupeOwnership skips appending a path a resource already owns.
	// By default every derivation appends, duplicates included.
	DedupeOwnership bool

	// DeleteConcurrency bounds the number of parallel deletions in Collect.
	DeleteConcurrency int
}

// Store is the cache store. It must be primed once with Prime before any other
// operation; all methods are safe for concurrent use.
type Store struct {
	backend           backends.Backend
	logger            *slog.Logger
	writes            dedupe.Group
	dedupeOwnership   bool
	deleteConcurrency int

	// mu guards everything below. No I/O happens while it is held.
	mu           sync.Mutex
	state        primeState
	dir          string
	ready        chan struct{}
	primeErr     error
	owners       map[string][]string
	unattributed map[string]struct{}

	// collectMu serializes collection passes.
	collectMu sync.Mutex

	// deleteFailures counts consecutive failed deletions per path. Guarded
	// by collectMu.
	deleteFailures map[string]int

	locksMu sync.Mutex
	locks   map[string]*pathLock
}

// New creates an unprimed store on top of backend.
func New(backend backends.Backend, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writes := opts.Writes
	if writes == nil {
		writes = dedupe.NewSingleflightGroup()
	}
	concurrency := opts.DeleteConcurrency
	if concurrency <= 0 {
		concurrency = defaultDeleteConcurrency
	}

	return &Store{
		backend:           backend,
		logger:            logger.With("component", "store"),
		writes:            writes,
		dedupeOwnership:   opts.DedupeOwnership,
		deleteConcurrency: concurrency,
		owners:            make(map[string][]string),
		unattributed:      make(map[string]struct{}),
		deleteFailures:    make(map[string]int),
		locks:             make(map[string]*pathLock),
	}
}

// Prime initializes the store at dir: the directory is created if needed and
// its current entries are recorded as unattributed.
//
// Only the first call does any work. Every call, concurrent or later, waits for
// that single priming to finish and returns its result; the dir passed to later
// calls is ignored. Cancelling ctx stops the wait, not the priming.
func (s *Store) Prime(ctx context.Context, dir string) error {
	s.mu.Lock()
	if s.state != stateUninitialized {
		ready := s.ready
		s.mu.Unlock()
		return s.wait(ctx, ready)
	}

	absDir, err := s.backend.Abs(dir)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.dir = absDir
	s.state = statePriming
	ready := make(chan struct{})
	s.ready = ready
	s.mu.Unlock()

	s.logger.Debug("priming cache", "dir", absDir)
	go s.prime(context.WithoutCancel(ctx), absDir)

	return s.wait(ctx, ready)
}

func (s *Store) prime(ctx context.Context, dir string) {
	err := s.backend.MkdirAll(ctx, dir)
	var names []string
	if err == nil {
		names, err = s.backend.List(ctx, dir)
	}

	s.mu.Lock()
	if err != nil {
		s.state = stateFailed
		s.primeErr = fmt.Errorf("failed to prime cache at %s: %w", dir, err)
		// registrations made while priming was in flight can never be
		// collected now
		s.owners = make(map[string][]string)
	} else {
		// flag every file already in the cache dir as unattributed so the
		// first collection can reclaim it
		for _, name := range names {
			s.unattributed[filepath.Join(dir, name)] = struct{}{}
		}
		s.state = stateReady
	}
	count := len(s.unattributed)
	close(s.ready)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cache priming failed", "dir", dir, "error", err)
		return
	}
	s.logger.Debug("cache priming complete", "dir", dir, "initial_files", count)
}

// AwaitReady blocks until priming has completed. It returns ErrNotRunning if
// Prime was never called, and the priming error if priming failed.
func (s *Store) AwaitReady(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateUninitialized {
		s.mu.Unlock()
		return ErrNotRunning
	}
	ready := s.ready
	s.mu.Unlock()

	return s.wait(ctx, ready)
}

func (s *Store) wait(ctx context.Context, ready chan struct{}) error {
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primeErr
}

// Dir returns the resolved cache directory, or "" before Prime.
func (s *Store) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Owned returns a copy of the paths currently owned by resource, in
// derivation order.
func (s *Store) Owned(resource string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.owners[resource]...)
}

// Resources returns the tracked resources, sorted.
func (s *Store) Resources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	resources := make([]string, 0, len(s.owners))
	for resource := range s.owners {
		resources = append(resources, resource)
	}
	sort.Strings(resources)
	return resources
}

// Unattributed returns the paths waiting for the next collection, sorted.
func (s *Store) Unattributed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.unattributed)
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
