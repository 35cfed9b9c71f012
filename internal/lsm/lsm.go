// Package lsm composes the membership filter, memtable, WAL, SSTable,
// manifest, cache, and compactor packages into the embedded key-value
// engine: it sequences the flush hand-off and routes every lookup
// through the active memtable, the flushing memtable, and the on-disk
// tables in that order.
package lsm

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nyasuto/lsmkv/config"
	"github.com/nyasuto/lsmkv/internal/cache"
	"github.com/nyasuto/lsmkv/internal/compaction"
	"github.com/nyasuto/lsmkv/internal/manifest"
	"github.com/nyasuto/lsmkv/internal/memtable"
	"github.com/nyasuto/lsmkv/internal/sstable"
	"github.com/nyasuto/lsmkv/internal/wal"
)

// LSM is the embedded ordered key-value store. The zero value is not
// usable; construct one with Open.
type LSM struct {
	// writeMu serializes Put/Delete onto a single logical writer, per
	// the concurrency model's requirement that the active memtable is
	// mutated by one thread at a time.
	writeMu sync.Mutex

	// slotMu guards the active/flushing pointers themselves (the swap
	// that happens on freeze), independent of the memtables' own
	// internal locking.
	slotMu   sync.RWMutex
	active   *memtable.MemTable
	flushing *memtable.MemTable

	// flushWG is non-zero exactly while a flush is outstanding; it is
	// the serialization point that keeps at most one flush in flight,
	// per the state machine in the design notes.
	flushWG sync.WaitGroup

	wal       *wal.WAL
	manifest  *manifest.Manifest
	cache     *cache.Cache
	compactor *compaction.Compactor

	cfg config.Config
	log *slog.Logger
}

// Open reconstructs an engine rooted at the directories and thresholds
// named in cfg: it replays the active WAL segment into a fresh
// memtable, loads the manifest and cache from disk, and starts the
// background compactor.
func Open(cfg config.Config, log *slog.Logger) (*LSM, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(cfg.Directory.SSTable, 0o750); err != nil {
		return nil, fmt.Errorf("lsm: create table directory %s: %w", cfg.Directory.SSTable, err)
	}

	w, err := wal.Open(cfg.Directory.WAL, cfg.WAL.Version, cfg.WAL.SyncOnCommit, log)
	if err != nil {
		return nil, fmt.Errorf("lsm: open wal: %w", err)
	}

	active, err := wal.Replay(cfg.Directory.WAL, w.Index(), cfg.Cache.BloomFilterSize, log)
	if err != nil {
		return nil, fmt.Errorf("lsm: replay wal: %w", err)
	}

	m, err := manifest.Load(cfg.SSTable.ManifestLocation, cfg.Directory.SSTable)
	if err != nil {
		return nil, fmt.Errorf("lsm: load manifest: %w", err)
	}

	c, err := cache.Load(cfg.Directory.SSTable)
	if err != nil {
		return nil, fmt.Errorf("lsm: load cache: %w", err)
	}

	compactor := compaction.New(m, c, compaction.Config{
		L0FileCountLimit: cfg.SSTable.L0FileCountLimit,
		IndexSize:        cfg.Cache.IndexSize,
		FilterSize:       cfg.Cache.BloomFilterSize,
	}, log)
	compactor.Start()

	l := &LSM{
		active:    active,
		wal:       w,
		manifest:  m,
		cache:     c,
		compactor: compactor,
		cfg:       cfg,
		log:       log,
	}
	log.Info("lsm opened", "wal_segment", w.Index(), "l0_tables", len(m.TablesInLevel(0)), "l1_tables", len(m.TablesInLevel(1)))
	return l, nil
}

// Put durably records key=value and applies it to the active memtable.
// If the active memtable has already reached its configured entry
// count, it is first frozen, the WAL advances to a new segment, and a
// background flush to an L0 table is dispatched; the write is then
// logged to the new segment, which backs the memtable it lands in. The
// flush may still be running when Put returns.
func (l *LSM) Put(key, value string) error {
	if key == "" {
		return memtable.ErrEmptyKey
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.maybeFlushLocked(); err != nil {
		return err
	}
	if err := l.wal.Write(wal.OpPut, key, value); err != nil {
		return fmt.Errorf("lsm: put %q: %w", key, err)
	}

	active := l.getActive()
	if err := active.Put(key, value); err != nil {
		return fmt.Errorf("lsm: apply put %q to memtable: %w", key, err)
	}
	return nil
}

// Delete durably records a tombstone for key. The membership filter is
// not touched, by design: it exists to answer "was this key ever put",
// and a delete of a key that was never put is a no-op either way.
func (l *LSM) Delete(key string) error {
	if key == "" {
		return memtable.ErrEmptyKey
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.maybeFlushLocked(); err != nil {
		return err
	}
	if err := l.wal.Write(wal.OpDelete, key, ""); err != nil {
		return fmt.Errorf("lsm: delete %q: %w", key, err)
	}

	active := l.getActive()
	if err := active.Delete(key); err != nil {
		return fmt.Errorf("lsm: apply delete %q to memtable: %w", key, err)
	}
	return nil
}

// Get returns the value for key and true, or "" and false if key is
// absent or was deleted. Lookup order is active memtable, then the
// flushing memtable (if a flush is in progress), then on-disk tables
// newest-first; a tombstone found anywhere in that order ends the
// search with "not found" rather than falling through to an older copy.
func (l *LSM) Get(key string) (string, bool) {
	active, flushing := l.getSlots()

	if v, res := active.Get(key); res == memtable.Present {
		return v, true
	} else if res == memtable.Tombstoned {
		return "", false
	}

	if flushing != nil {
		if v, res := flushing.Get(key); res == memtable.Present {
			return v, true
		} else if res == memtable.Tombstoned {
			return "", false
		}
	}

	for _, path := range l.candidatesNewestFirst(key) {
		offset, size, ok := l.cache.Locate(path, key)
		if !ok {
			continue
		}
		block, err := sstable.ReadBlock(path, sstable.IndexRecord{Offset: offset, Size: size})
		if err != nil {
			l.log.Warn("lsm: failed to read candidate block", "path", path, "error", err)
			continue
		}
		for _, e := range block {
			if e.Key != key {
				continue
			}
			if e.Value == nil {
				return "", false // tombstone: search stops here
			}
			return *e.Value, true
		}
		// Key not in this table's block; keep searching older tables.
	}

	return "", false
}

// Close stops the background compactor and closes the active WAL
// segment. It does not wait for an in-flight flush; callers that need
// every write durable on disk should let writes settle before closing.
func (l *LSM) Close() error {
	l.compactor.Stop()
	return l.wal.Close()
}

// CompactionStats reports the compactor's cumulative activity.
func (l *LSM) CompactionStats() compaction.Stats {
	return l.compactor.GetStats()
}

func (l *LSM) getActive() *memtable.MemTable {
	l.slotMu.RLock()
	defer l.slotMu.RUnlock()
	return l.active
}

func (l *LSM) getSlots() (active, flushing *memtable.MemTable) {
	l.slotMu.RLock()
	defer l.slotMu.RUnlock()
	return l.active, l.flushing
}

// maybeFlushLocked must be called with writeMu held. If the active
// memtable has crossed max_entries, it freezes active into flushing,
// starts a fresh active, advances the WAL segment, and dispatches the
// flush in the background. If a previous flush is still outstanding it
// waits for that one first, so at most one flush is ever in flight.
func (l *LSM) maybeFlushLocked() error {
	if l.getActive().Len() < l.cfg.Memtable.MaxEntries {
		return nil
	}

	l.flushWG.Wait()

	l.slotMu.Lock()
	frozen := l.active
	l.flushing = frozen
	l.active = memtable.New(l.cfg.Cache.BloomFilterSize)
	l.slotMu.Unlock()

	retiredSegment := l.wal.Index()
	if _, err := l.wal.Rotate(); err != nil {
		return fmt.Errorf("lsm: rotate wal before flush: %w", err)
	}

	l.flushWG.Add(1)
	go l.flushAsync(frozen, retiredSegment)
	return nil
}

// flushAsync writes frozen as a new L0 table, registers it with the
// manifest and cache, and clears the flushing slot. On failure the
// flushing handle is left in place so the flush can be retried; no data
// is discarded.
func (l *LSM) flushAsync(frozen *memtable.MemTable, retiredSegment uint64) {
	defer l.flushWG.Done()

	entries := frozen.Entries()
	path, id := l.manifest.AllocateFilename(0)

	index, err := sstable.Write(path, entries, frozen.Filter(), l.cfg.Cache.IndexSize)
	if err != nil {
		l.log.Warn("lsm: flush failed, flushing memtable retained for retry", "error", err)
		return
	}

	minKey, maxKey, _ := frozen.FirstLastKey()
	if err := l.manifest.Add(manifest.Descriptor{
		ID: id, Path: path, Level: 0, MinKey: minKey, MaxKey: maxKey,
	}); err != nil {
		l.log.Warn("lsm: flush failed to register table, flushing memtable retained for retry", "error", err)
		return
	}
	l.cache.Add(path, frozen.Filter(), index)

	l.slotMu.Lock()
	l.flushing = nil
	l.slotMu.Unlock()

	l.log.Info("flushed memtable to L0 table", "path", path, "entries", len(entries))

	if err := wal.RemoveSegment(l.cfg.Directory.WAL, retiredSegment); err != nil {
		l.log.Warn("lsm: failed to remove retired wal segment", "segment", retiredSegment, "error", err)
	}
}

// candidatesNewestFirst asks the cache which tables might hold key and
// orders them by id descending, so the most recently written table
// (the one most likely to hold the live value) is probed first.
func (l *LSM) candidatesNewestFirst(key string) []string {
	paths := l.cache.Candidates(key)
	sort.Slice(paths, func(i, j int) bool {
		return tableID(paths[i]) > tableID(paths[j])
	})
	return paths
}

// tableID extracts the monotonic id from a table path named
// L{level}_{id:010}.sst.
func tableID(path string) uint64 {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".sst")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return 0
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
