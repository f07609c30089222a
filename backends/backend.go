package backends

import (
	"context"
)

// Backend defines the filesystem operations the cache store needs.
//
// Implementations can be swapped to keep the cache directory on local disk or in
// an object store. Paths are always the full paths produced by the store, i.e.
// a file name joined to the directory returned by Abs.
//
// Implementations must be thread-safe and support concurrent operations. The
// store never runs two writes to the same path at once (see package dedupe and
// Store.Write), so implementations do not need to lock individual files.
type Backend interface {
	// Abs resolves dir into the absolute form used for every later call.
	Abs(dir string) (string, error)

	// MkdirAll creates dir and any missing parents.
	MkdirAll(ctx context.Context, dir string) error

	// List returns the names of the files directly inside dir. Directories
	// are not listed.
	List(ctx context.Context, dir string) ([]string, error)

	// Exists reports whether path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Size returns the stored size of path in bytes without reading it. A
	// missing file is reported with an error wrapping fs.ErrNotExist.
	Size(ctx context.Context, path string) (int64, error)

	// Read returns the full contents of path. A missing file is reported
	// with an error wrapping fs.ErrNotExist.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write stores data at path, replacing any previous contents.
	Write(ctx context.Context, path string, data []byte) error

	// Remove deletes path. A missing file is reported with an error wrapping
	// fs.ErrNotExist.
	Remove(ctx context.Context, path string) error

	// Close performs any cleanup operations needed by the backend.
	Close() error
}
