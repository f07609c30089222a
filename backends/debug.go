package backends

import (
	"context"
	"log/slog"
	"time"
)

// Debug wraps any Backend and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	return &Debug{
		backend: backend,
		logger:  logger.With("component", "backend"),
	}
}

func (d *Debug) log(ctx context.Context, op string, start time.Time, err error, args ...any) {
	args = append(args, "duration", time.Since(start))
	if err != nil {
		d.logger.DebugContext(ctx, op+" failed", append(args, "error", err)...)
		return
	}
	d.logger.DebugContext(ctx, op, args...)
}

// Abs resolves dir with debug logging.
func (d *Debug) Abs(dir string) (string, error) {
	start := time.Now()
	abs, err := d.backend.Abs(dir)
	d.log(context.Background(), "abs", start, err, "dir", dir, "abs", abs)
	return abs, err
}

// MkdirAll creates dir with debug logging.
func (d *Debug) MkdirAll(ctx context.Context, dir string) error {
	start := time.Now()
	err := d.backend.MkdirAll(ctx, dir)
	d.log(ctx, "mkdir", start, err, "dir", dir)
	return err
}

// List lists dir with debug logging.
func (d *Debug) List(ctx context.Context, dir string) ([]string, error) {
	start := time.Now()
	names, err := d.backend.List(ctx, dir)
	d.log(ctx, "list", start, err, "dir", dir, "entries", len(names))
	return names, err
}

// Exists checks path with debug logging.
func (d *Debug) Exists(ctx context.Context, path string) (bool, error) {
	start := time.Now()
	exists, err := d.backend.Exists(ctx, path)
	d.log(ctx, "exists", start, err, "path", path, "exists", exists)
	return exists, err
}

// Size stats path with debug logging.
func (d *Debug) Size(ctx context.Context, path string) (int64, error) {
	start := time.Now()
	size, err := d.backend.Size(ctx, path)
	d.log(ctx, "size", start, err, "path", path, "size", size)
	return size, err
}

// Read reads path with debug logging.
func (d *Debug) Read(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	data, err := d.backend.Read(ctx, path)
	d.log(ctx, "read", start, err, "path", path, "size", len(data))
	return data, err
}

// Write writes path with debug logging.
func (d *Debug) Write(ctx context.Context, path string, data []byte) error {
	start := time.Now()
	err := d.backend.Write(ctx, path, data)
	d.log(ctx, "write", start, err, "path", path, "size", len(data))
	return err
}

// Remove deletes path with debug logging.
func (d *Debug) Remove(ctx context.Context, path string) error {
	start := time.Now()
	err := d.backend.Remove(ctx, path)
	d.log(ctx, "remove", start, err, "path", path)
	return err
}

// Close performs cleanup operations with debug logging.
func (d *Debug) Close() error {
	start := time.Now()
	err := d.backend.Close()
	d.log(context.Background(), "close", start, err)
	return err
}
