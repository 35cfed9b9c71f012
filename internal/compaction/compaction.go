// Package compaction implements the background L0-into-L1 merge that
// keeps the number of level-0 tables bounded and reclaims the space of
// superseded entries.
package compaction

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nyasuto/lsmkv/internal/cache"
	"github.com/nyasuto/lsmkv/internal/manifest"
	"github.com/nyasuto/lsmkv/internal/memtable"
	"github.com/nyasuto/lsmkv/internal/sstable"
)

// tickInterval is the fixed period between compaction checks.
const tickInterval = 30 * time.Second

// Stats tracks cumulative compaction activity, scoped to the two levels
// (L0/L1) this compactor merges.
type Stats struct {
	Runs         uint64
	TablesMerged uint64
	EntriesRead  uint64
	LastRun      time.Time
}

// Config bundles the thresholds and sizing knobs a compactor needs.
type Config struct {
	L0FileCountLimit int
	IndexSize        int
	FilterSize       uint64
}

// Compactor periodically checks level 0's table count against the
// configured limit and, once crossed, merges the two oldest L0 tables
// into a new L1 table.
type Compactor struct {
	manifest *manifest.Manifest
	cache    *cache.Cache
	cfg      Config
	log      *slog.Logger

	mu    sync.Mutex
	stats Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a compactor bound to m and c. It does not start the
// background loop; call Start for that.
func New(m *manifest.Manifest, c *cache.Cache, cfg Config, log *slog.Logger) *Compactor {
	if log == nil {
		log = slog.Default()
	}
	return &Compactor{manifest: m, cache: c, cfg: cfg, log: log, stopCh: make(chan struct{})}
}

// Start spawns the periodic compaction loop on a background goroutine.
// The loop runs until Stop is called; there is no other shutdown path.
func (c *Compactor) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				if err := c.Tick(); err != nil {
					c.log.Warn("compaction tick failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the background loop to exit and waits for it.
func (c *Compactor) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Tick runs one compaction check: if level 0 has at least
// L0FileCountLimit tables, the two oldest are merged into level 1.
// Exported so tests (and callers that want synchronous control) can
// drive a single iteration without waiting on the ticker.
func (c *Compactor) Tick() error {
	l0 := c.manifest.TablesInLevel(0)
	if len(l0) < c.cfg.L0FileCountLimit {
		return nil
	}
	return c.compactLevelZero()
}

func (c *Compactor) compactLevelZero() error {
	candidates := c.manifest.CompactionCandidates(0)
	if len(candidates) < 2 {
		return nil
	}
	a, b := candidates[0], candidates[1]

	merged, entriesRead, err := c.mergeTables(a, b)
	if err != nil {
		return fmt.Errorf("compaction: merge %s and %s: %w", a.Path, b.Path, err)
	}

	if err := c.flushMerged(merged); err != nil {
		return fmt.Errorf("compaction: flush merged L1 table: %w", err)
	}

	// New table is registered before the sources are retired, and files
	// are deleted only after the cache has forgotten them, so a
	// concurrent Get never observes a torn state.
	if err := c.manifest.Remove(a.ID); err != nil {
		return fmt.Errorf("compaction: remove source descriptor %d: %w", a.ID, err)
	}
	if err := c.manifest.Remove(b.ID); err != nil {
		return fmt.Errorf("compaction: remove source descriptor %d: %w", b.ID, err)
	}
	c.cache.Remove(a.Path)
	c.cache.Remove(b.Path)

	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		c.log.Warn("compaction: failed to remove retired table file", "path", a.Path, "error", err)
	}
	if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
		c.log.Warn("compaction: failed to remove retired table file", "path", b.Path, "error", err)
	}

	c.mu.Lock()
	c.stats.Runs++
	c.stats.TablesMerged += 2
	c.stats.EntriesRead += entriesRead
	c.stats.LastRun = time.Now()
	c.mu.Unlock()

	c.log.Info("compacted L0 tables into L1", "a", a.Path, "b", b.Path)
	return nil
}

// mergeTables fully materializes a and b and merges them into one
// key-ordered memtable. On equal keys the entry from the higher-id
// source wins, since a higher id is always the more recently written
// table — the reverse choice would let newer writes be shadowed by
// stale ones.
func (c *Compactor) mergeTables(a, b manifest.Descriptor) (*memtable.MemTable, uint64, error) {
	values1, err := readAllEntries(a.Path)
	if err != nil {
		return nil, 0, err
	}
	values2, err := readAllEntries(b.Path)
	if err != nil {
		return nil, 0, err
	}

	merged := memtable.New(c.cfg.FilterSize)
	i, j := 0, 0
	for i < len(values1) || j < len(values2) {
		switch {
		case i >= len(values1):
			applyEntry(merged, values2[j])
			j++
		case j >= len(values2):
			applyEntry(merged, values1[i])
			i++
		case values1[i].Key == values2[j].Key:
			if a.ID > b.ID {
				applyEntry(merged, values1[i])
			} else {
				applyEntry(merged, values2[j])
			}
			i++
			j++
		case values1[i].Key < values2[j].Key:
			applyEntry(merged, values1[i])
			i++
		default:
			applyEntry(merged, values2[j])
			j++
		}
	}

	return merged, uint64(len(values1) + len(values2)), nil
}

func readAllEntries(path string) ([]sstable.BlockEntry, error) {
	footer, err := sstable.ReadFooter(path)
	if err != nil {
		return nil, err
	}
	index, err := sstable.ReadIndex(path, footer)
	if err != nil {
		return nil, err
	}
	return sstable.ReadAllEntries(path, index)
}

func applyEntry(mt *memtable.MemTable, e sstable.BlockEntry) {
	if e.Value != nil {
		_ = mt.Put(e.Key, *e.Value)
	} else {
		_ = mt.Delete(e.Key)
	}
}

func (c *Compactor) flushMerged(merged *memtable.MemTable) error {
	entries := merged.Entries()
	path, id := c.manifest.AllocateFilename(1)

	index, err := sstable.Write(path, entries, merged.Filter(), c.cfg.IndexSize)
	if err != nil {
		return err
	}

	minKey, maxKey, _ := merged.FirstLastKey()
	if err := c.manifest.Add(manifest.Descriptor{
		ID: id, Path: path, Level: 1, MinKey: minKey, MaxKey: maxKey,
	}); err != nil {
		return err
	}
	c.cache.Add(path, merged.Filter(), index)
	return nil
}

// GetStats returns a snapshot of cumulative compaction activity.
func (c *Compactor) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
