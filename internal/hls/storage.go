package hls

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrSegmentNotFound is returned by Get for unknown or already evicted
// segments.
var ErrSegmentNotFound = errors.New("segment not found")

// SegmentStorage persists finished segment media. Implementations must be
// safe for concurrent use; Delete of an absent object is a no-op.
type SegmentStorage interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// MemoryStorage holds segment media in process memory. The default for
// single-replica deployments and tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (s *MemoryStorage) Put(ctx context.Context, name string, data []byte) error {
	copied := make([]byte, len(data))
	copy(copied, data)
	s.mu.Lock()
	s.objects[name] = copied
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Get(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.objects[name]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSegmentNotFound
	}
	return data, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	delete(s.objects, name)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// FileStorage writes segments under a root directory, one file per object
// with the object name as a relative path.
type FileStorage struct {
	root string
}

// NewFileStorage ensures the root directory exists and returns the store.
func NewFileStorage(root string) (*FileStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create segment root: %w", err)
	}
	return &FileStorage{root: root}, nil
}

// resolve rejects names that would escape the root.
func (s *FileStorage) resolve(name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid segment name %q", name)
	}
	return filepath.Join(s.root, cleaned), nil
}

func (s *FileStorage) Put(ctx context.Context, name string, data []byte) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish segment: %w", err)
	}
	return nil
}

func (s *FileStorage) Get(ctx context.Context, name string) ([]byte, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSegmentNotFound
		}
		return nil, fmt.Errorf("read segment: %w", err)
	}
	return data, nil
}

func (s *FileStorage) Delete(ctx context.Context, name string) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete segment: %w", err)
	}
	return nil
}
