// Package archive ships sealed audit ledgers to content-addressed storage.
// Keys are "sha256:<hex>" digests of the stored bytes.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
)

const keyPrefix = "sha256:"

var (
	ErrNotFound   = errors.New("archive object not found")
	ErrInvalidKey = errors.New("invalid archive key")
)

// Store is a content-addressed blob store.
type Store interface {
	// Put stores data and returns its key. Storing the same bytes twice is
	// a no-op that returns the same key.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Key returns the content key of data.
func Key(data []byte) string {
	return keyPrefix + canonicalize.HashBytes(data)
}

// digestOf validates key and returns its bare hex digest.
func digestOf(key string) (string, error) {
	digest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok || !canonicalize.IsDigest(digest) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return digest, nil
}

func objectName(prefix, digest string) string {
	return prefix + digest + ".blob"
}

// FileStore keeps blobs in a local directory.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(digest string) string {
	return filepath.Join(s.dir, objectName("", digest))
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	key := Key(data)
	digest, _ := digestOf(key)
	path := s.path(digest)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}
	tmp, err := os.CreateTemp(s.dir, ".blob-*.tmp")
	if err != nil {
		return "", fmt.Errorf("archive temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("archive write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("archive fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("archive close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("archive commit: %w", err)
	}
	return key, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	digest, err := digestOf(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("archive read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	digest, err := digestOf(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(s.path(digest))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("archive stat %s: %w", key, err)
	}
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	digest, err := digestOf(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(digest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("archive delete %s: %w", key, err)
	}
	return nil
}
