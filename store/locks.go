package store

import "sync"

// pathLock serializes writers of one artifact path. refs counts holders and
// waiters so the entry can be dropped when the last one leaves.
type pathLock struct {
	mu   sync.Mutex
	refs int
}

// lockPath blocks until the caller holds path and returns the unlock func.
func (s *Store) lockPath(path string) func() {
	s.locksMu.Lock()
	lock := s.locks[path]
	if lock == nil {
		lock = &pathLock{}
		s.locks[path] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()

		s.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, path)
		}
		s.locksMu.Unlock()
	}
}
