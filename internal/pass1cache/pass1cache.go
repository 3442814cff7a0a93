// Package pass1cache implements the content-addressed, file-per-key cache
// of Pass-1 convergence findings described in spec.md §4.8. It is purely
// advisory: a miss or I/O error never fails the caller.
package pass1cache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/agensys/reviewbot/internal/model"
)

// Cache is a single-writer, tolerant-of-stale-read file cache.
type Cache struct {
	dir string
}

// New returns a Cache rooted at dir. The directory is created lazily on
// first Set.
func New(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) pathFor(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// Get returns the entry for key, or (zero, false) on miss or any I/O/parse
// error. A hit increments and persists hitCount best-effort.
func (c *Cache) Get(key string) (model.CacheEntry, bool) {
	b, err := os.ReadFile(c.pathFor(key))
	if err != nil {
		return model.CacheEntry{}, false
	}
	var entry model.CacheEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return model.CacheEntry{}, false
	}
	entry.HitCount++
	if out, err := json.MarshalIndent(entry, "", "  "); err == nil {
		_ = os.WriteFile(c.pathFor(key), out, 0o644)
	}
	return entry, true
}

// Set stores entry under key, lazily creating the cache directory.
// I/O errors are swallowed per spec.md §4.8.
func (c *Cache) Set(key string, entry model.CacheEntry) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return
	}
	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(c.pathFor(key), b, 0o644)
}
