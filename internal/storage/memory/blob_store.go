// Package memory provides in-process frontier and blob stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/article-frontier/internal/crawler"
)

const scheme = "memory://"

// BlobStore stores artifacts in-memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject persists the content and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = byteData
	return scheme + path, nil
}

// GetObject returns a copy of the content behind ref, which may be a memory:// URI or a bare path.
func (s *BlobStore) GetObject(_ context.Context, ref string) ([]byte, error) {
	path := strings.TrimPrefix(ref, scheme)
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", ref, crawler.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// PathOf strips the memory:// scheme.
func (s *BlobStore) PathOf(ref string) (string, error) {
	path := strings.TrimPrefix(ref, scheme)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	return path, nil
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var _ crawler.BlobStore = (*BlobStore)(nil)
