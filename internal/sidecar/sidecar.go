// Package sidecar implements the small key/value side channel that lives
// outside the main database: wrapped key material, the password salt, the
// activated worker version and the rollback snapshot are all kept here so
// they survive application restarts and database re-creation.
package sidecar

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"qrkeeper/internal/common"
	"qrkeeper/internal/filex"
)

// Store is a directory of small files, one per namespaced key. Writes are
// atomic (write to a temp file, then rename).
type Store struct {
	dir string
}

// Open creates the backing directory if needed and returns a Store.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("open sidecar: empty dir")
	}
	if err := filex.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("open sidecar: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) string {
	// Keys are dotted namespaces ("crypto.salt"); keep them readable on disk
	// while making path separators impossible.
	name := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, name)
}

// Get returns the value stored under key, or common.ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("sidecar key %q: %w", key, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sidecar read %q: %w", key, err)
	}
	return b, nil
}

// Put stores val under key, replacing any previous value.
func (s *Store) Put(key string, val []byte) error {
	dst := s.path(key)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, val, 0o600); err != nil {
		return fmt.Errorf("sidecar write %q: %w", key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("sidecar rename %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sidecar delete %q: %w", key, err)
	}
	return nil
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}
