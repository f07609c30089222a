package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
)

// Entry is a cache hit returned by Read.
type Entry struct {
	Path string
	Data []byte
}

// Has reports whether the artifact for key exists, registering it as owned by
// resource.
func (s *Store) Has(ctx context.Context, resource string, key Key) (bool, error) {
	path, err := s.FilenameFor(resource, key)
	if err != nil {
		return false, err
	}
	if err := s.AwaitReady(ctx); err != nil {
		return false, err
	}

	return s.backend.Exists(ctx, path)
}

// Read loads the artifact for key, registering it as owned by resource.
// ok is false, with a nil error, when the artifact is not in the cache.
func (s *Store) Read(ctx context.Context, resource string, key Key) (entry Entry, ok bool, err error) {
	path, err := s.FilenameFor(resource, key)
	if err != nil {
		return Entry{}, false, err
	}
	if err := s.AwaitReady(ctx); err != nil {
		return Entry{}, false, err
	}

	data, err := s.backend.Read(ctx, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("failed to read cache entry for %s: %w", resource, err)
	}

	s.logger.Debug("loading file from cache", "resource", resource, "path", path)
	return Entry{Path: path, Data: data}, true, nil
}

// Write stores data as the artifact for key, registering it as owned by
// resource, and returns the artifact path. Existing contents are replaced.
//
// Concurrent writes of the same bytes run once. The write is not cancelled
// with ctx once it has started, since other callers may be waiting on it.
func (s *Store) Write(ctx context.Context, resource string, key Key, data []byte) (string, error) {
	path, err := s.FilenameFor(resource, key)
	if err != nil {
		return "", err
	}
	if err := s.AwaitReady(ctx); err != nil {
		return "", err
	}

	// Only writers of identical bytes share a result. Writers of different
	// bytes take turns on the path, so each one's data really lands.
	sum := sha256.Sum256(data)
	shared, err := s.writes.Do(path+"@"+hex.EncodeToString(sum[:]), func() error {
		unlock := s.lockPath(path)
		defer unlock()
		return s.backend.Write(context.WithoutCancel(ctx), path, data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to write cache entry for %s: %w", resource, err)
	}

	s.logger.Debug("wrote file to cache",
		"resource", resource,
		"path", path,
		"size", len(data),
		"shared", shared)
	return path, nil
}
