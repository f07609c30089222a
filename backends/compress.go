package backends

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Compress wraps any Backend and stores file contents as LZ4 frames.
// Artifact names and every other operation are passed through unchanged, so
// the cache directory layout is the same with or without compression. Size
// reports the compressed, stored size.
type Compress struct {
	Backend
}

// NewCompress creates a new compressing wrapper around an existing backend.
func NewCompress(backend Backend) *Compress {
	return &Compress{Backend: backend}
}

// Read decompresses the stored frame at path.
func (c *Compress) Read(ctx context.Context, path string) ([]byte, error) {
	compressed, err := c.Backend.Read(ctx, path)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(lz4.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
	}
	return data, nil
}

// Write compresses data before storing it at path.
func (c *Compress) Write(ctx context.Context, path string, data []byte) error {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("failed to compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress %s: %w", path, err)
	}
	return c.Backend.Write(ctx, path, buf.Bytes())
}
