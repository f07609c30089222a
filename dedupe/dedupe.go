// Package dedupe collapses concurrent writes of the same cache artifact.
//
// The store keys writes by artifact path. Artifacts are named after their
// inputs, so two writers of one path carry the same bytes and either write
// can stand in for the other.
package dedupe

// Group runs at most one write per key at a time.
type Group interface {
	// Do runs fn for key. A caller that arrives while a call for the same key
	// is in flight may wait for it and share its error instead of running fn;
	// shared reports whether that happened.
	Do(key string, fn func() error) (shared bool, err error)
}
