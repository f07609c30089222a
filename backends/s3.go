package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 implements Backend using AWS S3. The cache directory becomes a key
// prefix inside the bucket; directories are implicit.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates a new S3-based backend.
// bucket is the S3 bucket name where cache files will be stored.
// prefix is an optional prefix for all S3 keys (e.g., "cache/" or "").
func NewS3(ctx context.Context, bucket, prefix string) (*S3, error) {
	// Load AWS config from environment/credentials
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)

	// Test bucket access
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access S3 bucket %s: %w", bucket, err)
	}

	return NewS3WithClient(client, bucket, prefix), nil
}

// NewS3WithClient creates an S3 backend around an already configured client.
func NewS3WithClient(client *s3.Client, bucket, prefix string) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// Abs cleans dir into a rooted, slash-separated path.
func (s *S3) Abs(dir string) (string, error) {
	return objectAbs(dir), nil
}

// MkdirAll is a no-op: S3 has no directories.
func (s *S3) MkdirAll(context.Context, string) error {
	return nil
}

// List returns the names of the objects directly under dir. Deeper keys
// (common prefixes) are skipped like subdirectories on disk.
func (s *S3) List(ctx context.Context, dir string) ([]string, error) {
	dirKey := dirPrefix(s.key(dir))
	listInput := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(dirKey),
		Delimiter: aws.String("/"),
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, listInput)

	var names []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects: %w", err)
		}

		for _, obj := range page.Contents {
			if name := strings.TrimPrefix(aws.ToString(obj.Key), dirKey); name != "" {
				names = append(names, name)
			}
		}
	}

	return names, nil
}

// Exists reports whether an object exists at path.
func (s *S3) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check S3 object: %w", err)
	}
	return true, nil
}

// Size returns the object's content length from a HEAD request.
func (s *S3) Size(ctx context.Context, path string) (int64, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return 0, fmt.Errorf("failed to check S3 object: %w", fs.ErrNotExist)
		}
		return 0, fmt.Errorf("failed to check S3 object: %w", err)
	}
	return aws.ToInt64(head.ContentLength), nil
}

// Read downloads the object stored at path.
func (s *S3) Read(ctx context.Context, path string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("failed to get object from S3: %w", fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return data, nil
}

// Write uploads data to path.
func (s *S3) Write(ctx context.Context, path string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// Remove deletes the object at path. S3 deletes are idempotent, so existence
// is checked first to report missing objects like the other backends do.
func (s *S3) Remove(ctx context.Context, path string) error {
	exists, err := s.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("failed to delete S3 object %s: %w", path, fs.ErrNotExist)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete S3 object: %w", err)
	}
	return nil
}

// Close performs cleanup operations.
func (s *S3) Close() error {
	return nil
}

// key converts a cache path to an S3 key.
func (s *S3) key(p string) string {
	return objectKey(s.prefix, p)
}

// isS3NotFound checks if an error is a "not found" error from S3.
func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	// HeadObject errors sometimes only carry the status text
	errMsg := err.Error()
	return strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "NoSuchKey")
}

// objectAbs turns a directory into the rooted slash form object stores use.
func objectAbs(dir string) string {
	return path.Clean("/" + filepath.ToSlash(dir))
}

// dirPrefix turns a directory key into a listing prefix. The bucket root
// lists without a leading slash.
func dirPrefix(key string) string {
	if key == "" || strings.HasSuffix(key, "/") {
		return key
	}
	return key + "/"
}

// objectKey maps a rooted cache path to an object key under prefix.
func objectKey(prefix, p string) string {
	return prefix + strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
}
