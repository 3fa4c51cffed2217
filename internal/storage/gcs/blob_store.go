// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/article-frontier/internal/crawler"
)

const scheme = "gs://"

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("%s%s/%s", scheme, s.bucket, path), nil
}

// GetObject downloads the object behind ref. Refs are gs://bucket/path URIs or
// paths relative to the configured bucket.
func (s *BlobStore) GetObject(ctx context.Context, ref string) ([]byte, error) {
	bucket, path, err := s.parseRef(ref)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("get %s: %w", ref, crawler.ErrNotFound)
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// PathOf returns the object name behind ref. Refs into other buckets are rejected.
func (s *BlobStore) PathOf(ref string) (string, error) {
	bucket, path, err := s.parseRef(ref)
	if err != nil {
		return "", err
	}
	if bucket != s.bucket {
		return "", fmt.Errorf("object %q is outside bucket %q", ref, s.bucket)
	}
	return path, nil
}

func (s *BlobStore) parseRef(ref string) (string, string, error) {
	if !strings.HasPrefix(ref, scheme) {
		path := strings.TrimPrefix(ref, "/")
		if path == "" {
			return "", "", fmt.Errorf("path is required")
		}
		return s.bucket, path, nil
	}
	bucket, path, ok := strings.Cut(strings.TrimPrefix(ref, scheme), "/")
	if !ok || bucket == "" || path == "" {
		return "", "", fmt.Errorf("invalid gcs uri %q", ref)
	}
	return bucket, path, nil
}

var _ crawler.BlobStore = (*BlobStore)(nil)
