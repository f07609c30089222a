package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Key identifies a cache artifact. Its file name is
//
//	{InputHash}-{Digest(Options)}{Ext}
//
// inside the cache directory, so equal keys always map to the same file.
type Key struct {
	// InputHash is an opaque hash of the artifact's inputs.
	InputHash string

	// Options is any JSON-encodable value describing how the artifact was
	// produced (e.g. loader settings).
	Options any

	// Ext is an optional extension, including the leading dot.
	Ext string
}

// Digest returns the hex sha256 of the canonical JSON encoding of options.
// encoding/json sorts map keys, so logically equal maps digest equally.
func Digest(options any) (string, error) {
	data, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("failed to encode options: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Filename returns the base file name for k.
func (k Key) Filename() (string, error) {
	if containsSeparator(k.InputHash) || containsSeparator(k.Ext) {
		return "", fmt.Errorf("%w: %q%q contains a path separator", ErrInvalidKey, k.InputHash, k.Ext)
	}
	digest, err := Digest(k.Options)
	if err != nil {
		return "", err
	}
	return k.InputHash + "-" + digest + k.Ext, nil
}

func containsSeparator(s string) bool {
	return strings.ContainsRune(s, '/') || strings.ContainsRune(s, filepath.Separator)
}

// FilenameFor returns the cache path for key and records it as owned by
// resource. It is the only way a file becomes owned; Has, Read and Write call
// it too. A nil error means the registration happened.
//
// Every call appends, so deriving the same key twice leaves two entries unless
// the store was built with DedupeOwnership.
//
// FilenameFor does not wait for priming I/O, it only requires that Prime was
// called. Registrations made while priming is in flight are discarded if
// priming then fails.
func (s *Store) FilenameFor(resource string, key Key) (string, error) {
	name, err := key.Filename()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateUninitialized:
		return "", ErrNotRunning
	case stateFailed:
		return "", s.primeErr
	}

	path := filepath.Join(s.dir, name)
	owned := s.owners[resource]
	if s.dedupeOwnership && slices.Contains(owned, path) {
		return path, nil
	}
	s.owners[resource] = append(owned, path)
	return path, nil
}

// InvalidateChildren releases every file owned by resource. The files stay on
// disk but become unattributed, so the next Collect deletes them unless some
// resource derives them again first. Untracked resources are ignored.
func (s *Store) InvalidateChildren(resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned, ok := s.owners[resource]
	if !ok {
		return
	}
	for _, path := range owned {
		s.unattributed[path] = struct{}{}
	}
	delete(s.owners, resource)
}
