// Package plugin connects a build tool's lifecycle to the cache store: it
// primes the store on startup and runs one stale-file collection per finished
// build pass, subject to the configured policy.
package plugin

import (
	"context"
	"log/slog"
	"sync"

	"github.com/richardartoul/loadercache/store"
)

// DefaultCacheDir is used when Options.CacheDir is empty.
const DefaultCacheDir = ".loader-cache"

// Options controls when collection runs.
type Options struct {
	// Enabled turns the whole plugin on or off.
	Enabled bool

	// DeleteUnusedFiles enables stale-file collection.
	DeleteUnusedFiles bool

	// Aggressive collects after every pass. When false, only the first
	// successful pass collects (useful for watch mode, where later passes only
	// see the changed resources).
	Aggressive bool

	// CacheDir is the cache directory handed to the store.
	CacheDir string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Enabled:           true,
		DeleteUnusedFiles: true,
		Aggressive:        true,
		CacheDir:          DefaultCacheDir,
	}
}

// Pass describes a finished build pass.
type Pass struct {
	// Resources are the identifiers of every resource in the pass.
	Resources []string

	// Errors is the number of errors the pass ended with.
	Errors int
}

// Plugin drives a store from build lifecycle events.
type Plugin struct {
	store  *store.Store
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	runs int
}

// New creates a plugin for s.
func New(s *store.Store, opts Options, logger *slog.Logger) *Plugin {
	if opts.CacheDir == "" {
		opts.CacheDir = DefaultCacheDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		store:  s,
		opts:   opts,
		logger: logger.With("component", "plugin"),
	}
}

// Start primes the store. It is called once when the build tool starts and is
// safe to call again.
func (p *Plugin) Start(ctx context.Context) error {
	return p.store.Prime(ctx, p.opts.CacheDir)
}

// Done is called when a build pass finishes. It waits for the store to be
// ready and collects stale files if the policy allows it, returning nil when
// the pass was skipped.
//
// Passes that ended with errors are always skipped: their resource list may be
// incomplete, and collecting would delete artifacts of resources that are
// still in use.
func (p *Plugin) Done(ctx context.Context, pass Pass) (*store.CollectResult, error) {
	if !p.opts.Enabled {
		return nil, nil
	}
	if err := p.store.AwaitReady(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.shouldCollect(pass) {
		p.logger.Debug("skipping stale file collection",
			"errors", pass.Errors,
			"runs", p.runs)
		return nil, nil
	}
	p.runs++

	result, err := p.store.Collect(ctx, pass.Resources)
	return &result, err
}

func (p *Plugin) shouldCollect(pass Pass) bool {
	return p.opts.DeleteUnusedFiles &&
		(p.opts.Aggressive || p.runs < 1) &&
		pass.Errors == 0
}

// Runs returns the number of collections performed so far.
func (p *Plugin) Runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}
