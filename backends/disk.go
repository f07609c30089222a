package backends

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Disk implements Backend using the local file system.
type Disk struct {
	atomic bool
}

// NewDisk creates a new disk-based backend.
// When atomic is true, writes go to a temporary file in the destination
// directory and are renamed into place, so a crash never leaves a truncated
// artifact at its final path.
func NewDisk(atomic bool) *Disk {
	return &Disk{atomic: atomic}
}

// Abs returns the absolute, cleaned form of dir.
func (d *Disk) Abs(dir string) (string, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve cache directory: %w", err)
	}
	return absPath, nil
}

// MkdirAll creates dir and any missing parents.
func (d *Disk) MkdirAll(_ context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	return nil
}

// List returns the names of the regular files directly inside dir.
// Subdirectories, symlinks and other special files are skipped.
func (d *Disk) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// Exists reports whether path exists.
func (d *Disk) Exists(_ context.Context, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return true, nil
}

// Size returns the size of the file at path.
func (d *Disk) Size(_ context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat cache file: %w", err)
	}
	return info.Size(), nil
}

// Read returns the contents of path.
func (d *Disk) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}
	return data, nil
}

// Write stores data at path.
func (d *Disk) Write(_ context.Context, path string, data []byte) error {
	if !d.atomic {
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write cache file: %w", err)
		}
		return nil
	}

	// Create a temporary file in the same directory for atomic write
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // Clean up if something goes wrong

	_, err = tmpFile.Write(data)
	closeErr := tmpFile.Close()
	if err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

// Remove deletes path.
func (d *Disk) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	return nil
}

// Close performs cleanup operations.
func (d *Disk) Close() error {
	// No cleanup needed for disk backend
	return nil
}
