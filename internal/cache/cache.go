// Package cache holds, for every live on-disk table, the resident
// membership filter and block index read from its footer — so a lookup
// never has to open a file just to find out whether it might hold a key.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nyasuto/lsmkv/internal/filter"
	"github.com/nyasuto/lsmkv/internal/sstable"
)

// Cache is the per-table metadata cache, guarded by a single read/write
// lock shared across foreground reads, flush, and compaction.
type Cache struct {
	mu      sync.RWMutex
	filters map[string]*filter.Filter
	indexes map[string][]sstable.IndexRecord
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		filters: make(map[string]*filter.Filter),
		indexes: make(map[string][]sstable.IndexRecord),
	}
}

// Load scans tableDir for table files (any file not starting with a
// dot — marker files like .gitkeep are skipped), visits them in
// lexicographic order, and populates a cache from each one's footer.
func Load(tableDir string) (*Cache, error) {
	c := New()

	entries, err := os.ReadDir(tableDir)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("cache: read directory %s: %w", tableDir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(tableDir, name)
		footer, err := sstable.ReadFooter(path)
		if err != nil {
			return nil, fmt.Errorf("cache: read footer of %s: %w", path, err)
		}
		idx, err := sstable.ReadIndex(path, footer)
		if err != nil {
			return nil, fmt.Errorf("cache: read index of %s: %w", path, err)
		}
		flt, err := sstable.ReadFilter(path, footer)
		if err != nil {
			return nil, fmt.Errorf("cache: read filter of %s: %w", path, err)
		}
		c.Add(path, flt, idx)
	}

	return c, nil
}

// Add registers (or replaces) the metadata for the table at path.
func (c *Cache) Add(path string, flt *filter.Filter, index []sstable.IndexRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters[path] = flt
	c.indexes[path] = index
}

// Remove discards the metadata for the table at path.
func (c *Cache) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.filters, path)
	delete(c.indexes, path)
}

// Candidates returns every cached table path whose filter admits key.
// Probing a filter is advisory: a path in the result still requires a
// block scan (via Locate + sstable.ReadBlock) to confirm membership.
func (c *Cache) Candidates(key string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for path, flt := range c.filters {
		if flt.Contains([]byte(key)) {
			out = append(out, path)
		}
	}
	return out
}

// Locate performs a linear scan of path's cached index for the first
// record covering key, returning its offset and size. ok is false when
// no record in the index covers key.
func (c *Cache) Locate(path, key string) (offset, size uint64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ir := range c.indexes[path] {
		if ir.Start <= key && key <= ir.End {
			return ir.Offset, ir.Size, true
		}
	}
	return 0, 0, false
}
