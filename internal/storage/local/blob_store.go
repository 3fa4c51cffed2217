// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/article-frontier/internal/crawler"
)

const scheme = "file://"

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir string
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	baseDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(baseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{baseDir: baseDir}, nil
}

// PutObject writes data to a file on the local filesystem and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	if err := os.WriteFile(fullPath, byteData, 0o600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return scheme + fullPath, nil
}

// GetObject reads the file behind ref, which may be a file:// URI or a path relative to BaseDir.
func (s *BlobStore) GetObject(_ context.Context, ref string) ([]byte, error) {
	var fullPath string
	if strings.HasPrefix(ref, scheme) {
		fullPath = filepath.Clean(strings.TrimPrefix(ref, scheme))
		if !s.within(fullPath) {
			return nil, fmt.Errorf("path traversal detected")
		}
	} else {
		resolved, err := s.resolve(ref)
		if err != nil {
			return nil, err
		}
		fullPath = resolved
	}
	data, err := os.ReadFile(fullPath) // #nosec G304 -- confined to baseDir above.
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("get %s: %w", ref, crawler.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// PathOf returns the slash-separated path of ref relative to BaseDir.
func (s *BlobStore) PathOf(ref string) (string, error) {
	if !strings.HasPrefix(ref, scheme) {
		if _, err := s.resolve(ref); err != nil {
			return "", err
		}
		return filepath.ToSlash(filepath.Clean(ref)), nil
	}
	fullPath := filepath.Clean(strings.TrimPrefix(ref, scheme))
	if !s.within(fullPath) {
		return "", fmt.Errorf("path traversal detected")
	}
	rel, err := filepath.Rel(s.baseDir, fullPath)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

func (s *BlobStore) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, path))
	if !s.within(fullPath) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

func (s *BlobStore) within(fullPath string) bool {
	return strings.HasPrefix(fullPath, filepath.Clean(s.baseDir)+string(filepath.Separator))
}

var _ crawler.BlobStore = (*BlobStore)(nil)
