package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS implements Backend using Google Cloud Storage. Like S3, the cache
// directory maps to an object prefix.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCS creates a new GCS-based backend using application default credentials.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	handle := client.Bucket(bucket)
	if _, err := handle.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access GCS bucket %s: %w", bucket, err)
	}

	return &GCS{
		client: client,
		bucket: handle,
		prefix: prefix,
	}, nil
}

// Abs cleans dir into a rooted, slash-separated path.
func (g *GCS) Abs(dir string) (string, error) {
	return objectAbs(dir), nil
}

// MkdirAll is a no-op: GCS has no directories.
func (g *GCS) MkdirAll(context.Context, string) error {
	return nil
}

// List returns the names of the objects directly under dir.
func (g *GCS) List(ctx context.Context, dir string) ([]string, error) {
	dirKey := dirPrefix(objectKey(g.prefix, dir))
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: dirKey, Delimiter: "/"})

	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}

		// synthetic directory entries only carry Prefix
		if attrs.Name == "" {
			continue
		}
		if name := strings.TrimPrefix(attrs.Name, dirKey); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// Exists reports whether an object exists at path.
func (g *GCS) Exists(ctx context.Context, path string) (bool, error) {
	_, err := g.object(path).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}
	return true, nil
}

// Size returns the object's size from its attributes.
func (g *GCS) Size(ctx context.Context, path string) (int64, error) {
	attrs, err := g.object(path).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return 0, fmt.Errorf("failed to check GCS object: %w", fs.ErrNotExist)
		}
		return 0, fmt.Errorf("failed to check GCS object: %w", err)
	}
	return attrs.Size, nil
}

// Read downloads the object stored at path.
func (g *GCS) Read(ctx context.Context, path string) ([]byte, error) {
	reader, err := g.object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("failed to get object from GCS: %w", fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to get object from GCS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object body: %w", err)
	}
	return data, nil
}

// Write uploads data to path.
func (g *GCS) Write(ctx context.Context, path string, data []byte) error {
	writer := g.object(path).NewWriter(ctx)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return fmt.Errorf("failed to upload to GCS: %w", err)
	}
	// The object is only committed on Close.
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to upload to GCS: %w", err)
	}
	return nil
}

// Remove deletes the object at path.
func (g *GCS) Remove(ctx context.Context, path string) error {
	if err := g.object(path).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("failed to delete GCS object %s: %w", path, fs.ErrNotExist)
		}
		return fmt.Errorf("failed to delete GCS object: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) object(path string) *storage.ObjectHandle {
	return g.bucket.Object(objectKey(g.prefix, path))
}
