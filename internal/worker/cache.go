package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"qrkeeper/internal/common"
	"qrkeeper/internal/filex"
	"qrkeeper/internal/msgx"
)

const manifestName = "manifest.json"

type cacheManifest struct {
	Entries map[string]int64 `json:"entries"` // key -> stored size
}

// CacheStore keeps named caches as directories of content files plus a
// manifest. Entry filenames are key hashes so arbitrary keys are safe.
type CacheStore struct {
	mu  sync.Mutex
	dir string
}

func OpenCacheStore(dir string) (*CacheStore, error) {
	if err := filex.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("worker: open cache store: %w", err)
	}
	return &CacheStore{dir: dir}, nil
}

// Put stores data under key in the named cache, creating the cache on
// first use.
func (s *CacheStore) Put(cache, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, cache)
	if err := filex.EnsureDir(dir); err != nil {
		return fmt.Errorf("worker: cache put: %w", err)
	}
	m, err := s.loadManifest(dir)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, entryFile(key)), data, 0o600); err != nil {
		return fmt.Errorf("worker: cache put: %w", err)
	}
	m.Entries[key] = int64(len(data))
	return s.saveManifest(dir, m)
}

// Get returns the cached data, or common.ErrNotFound.
func (s *CacheStore) Get(cache, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, cache, entryFile(key)))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("worker: cache %s key %s: %w", cache, key, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("worker: cache get: %w", err)
	}
	return data, nil
}

// Info reports every named cache with its entry count and byte size,
// ordered by name.
func (s *CacheStore) Info() ([]msgx.CacheInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("worker: cache info: %w", err)
	}
	var out []msgx.CacheInfo
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		m, err := s.loadManifest(filepath.Join(s.dir, d.Name()))
		if err != nil {
			return nil, err
		}
		info := msgx.CacheInfo{Name: d.Name(), Entries: len(m.Entries)}
		for _, size := range m.Entries {
			info.Bytes += size
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Clear drops the named cache, or every cache when name is empty. Returns
// the names removed.
func (s *CacheStore) Clear(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name != "" {
		if _, err := os.Stat(filepath.Join(s.dir, name)); os.IsNotExist(err) {
			return nil, fmt.Errorf("worker: cache %s: %w", name, common.ErrNotFound)
		}
		if err := os.RemoveAll(filepath.Join(s.dir, name)); err != nil {
			return nil, fmt.Errorf("worker: cache clear: %w", err)
		}
		return []string{name}, nil
	}

	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("worker: cache clear: %w", err)
	}
	var cleared []string
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, d.Name())); err != nil {
			return cleared, fmt.Errorf("worker: cache clear: %w", err)
		}
		cleared = append(cleared, d.Name())
	}
	sort.Strings(cleared)
	return cleared, nil
}

func (s *CacheStore) loadManifest(dir string) (*cacheManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if os.IsNotExist(err) {
		return &cacheManifest{Entries: make(map[string]int64)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("worker: read manifest: %w", err)
	}
	var m cacheManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("worker: parse manifest: %w", err)
	}
	if m.Entries == nil {
		m.Entries = make(map[string]int64)
	}
	return &m, nil
}

func (s *CacheStore) saveManifest(dir string, m *cacheManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("worker: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o600); err != nil {
		return fmt.Errorf("worker: write manifest: %w", err)
	}
	return nil
}

func entryFile(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".bin"
}
