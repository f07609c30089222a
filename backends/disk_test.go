package backends

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiskReadWrite(t *testing.T) {
	for _, atomic := range []bool{false, true} {
		d := NewDisk(atomic)
		ctx := context.Background()
		dir := t.TempDir()
		path := filepath.Join(dir, "abc-123.png")

		require.NoError(t, d.Write(ctx, path, []byte("first")))
		require.NoError(t, d.Write(ctx, path, []byte("second")))

		data, err := d.Read(ctx, path)
		require.NoError(t, err)
		require.Equal(t, "second", string(data))

		// No temp files may be left behind.
		names, err := d.List(ctx, dir)
		require.NoError(t, err)
		require.Equal(t, []string{"abc-123.png"}, names)
	}
}

func TestDiskMissingFile(t *testing.T) {
	d := NewDisk(false)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "missing")

	exists, err := d.Exists(ctx, path)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = d.Read(ctx, path)
	require.True(t, errors.Is(err, fs.ErrNotExist))

	err = d.Remove(ctx, path)
	require.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestDiskMkdirAllAndList(t *testing.T) {
	d := NewDisk(false)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "a", "b")

	require.NoError(t, d.MkdirAll(ctx, dir))
	require.NoError(t, d.MkdirAll(ctx, dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "nested"), nil, 0644))

	// Subdirectories are not cache files.
	names, err := d.List(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, names)
}

func TestDiskSize(t *testing.T) {
	d := NewDisk(false)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "abc-123.png")

	require.NoError(t, d.Write(ctx, path, make([]byte, 1500)))
	size, err := d.Size(ctx, path)
	require.NoError(t, err)
	require.Equal(t, int64(1500), size)

	_, err = d.Size(ctx, filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestDiskAbs(t *testing.T) {
	d := NewDisk(false)
	abs, err := d.Abs("relative/dir/../cache")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(abs))
	require.Equal(t, "cache", filepath.Base(abs))
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix   string
		path     string
		expected string
	}{
		{"", "/cache/a-b.png", "cache/a-b.png"},
		{"builds/", "/cache/a-b.png", "builds/cache/a-b.png"},
		{"", "cache//x", "cache/x"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.expected, objectKey(tt.prefix, tt.path))
	}
	require.Equal(t, "/cache", objectAbs("cache/"))
}

func TestDirPrefix(t *testing.T) {
	require.Equal(t, "", dirPrefix(objectKey("", "/")))
	require.Equal(t, "builds/", dirPrefix(objectKey("builds/", "/")))
	require.Equal(t, "cache/", dirPrefix(objectKey("", "/cache")))
}
