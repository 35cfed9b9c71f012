// Package manifest is the authoritative, durable catalog of every live
// SSTable: its id, level, on-disk path, and key range. It is rewritten
// atomically on every mutation so a reader never observes a torn file.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
)

// ErrUnknownTable is returned by Remove when the descriptor's id has no
// matching live entry.
var ErrUnknownTable = errors.New("manifest: unknown table")

// currentVersion is the manifest document's schema version.
const currentVersion = 1

// Descriptor is one live table's catalog entry.
type Descriptor struct {
	ID     uint64 `json:"id"`
	Path   string `json:"path"`
	Level  int    `json:"level"`
	MinKey string `json:"min_key"`
	MaxKey string `json:"max_key"`
}

// document is the on-disk JSON shape.
type document struct {
	Version uint64       `json:"version"`
	NextID  uint64       `json:"next_id"`
	Tables  []Descriptor `json:"tables"`
}

// Manifest is the in-memory, mutex-guarded mirror of the on-disk
// catalog. Readers (TablesInLevel, AllTables, CompactionCandidates) take
// the shared lock; writers (AllocateFilename/Add/Remove) take the
// exclusive lock.
type Manifest struct {
	mu       sync.RWMutex
	path     string
	tableDir string
	doc      document
}

// Load reads the manifest JSON at path, creating it (with an empty,
// next_id=1 catalog) if it does not yet exist. tableDir is the directory
// new table paths are generated under.
func Load(path, tableDir string) (*Manifest, error) {
	m := &Manifest{path: path, tableDir: tableDir}

	data, err := os.ReadFile(path) // #nosec G304 -- path is an operator-supplied config value
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, &m.doc); jsonErr != nil {
			return nil, fmt.Errorf("manifest: parse %s: %w", path, jsonErr)
		}
	case os.IsNotExist(err):
		m.doc = document{Version: currentVersion, NextID: 1}
		if persistErr := m.persistLocked(); persistErr != nil {
			return nil, persistErr
		}
	default:
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}

	return m, nil
}

// AllocateFilename reserves the next table id for level and returns the
// path it should be written to (the path is not yet registered; call
// Add once the table file exists).
func (m *Manifest) AllocateFilename(level int) (path string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id = m.doc.NextID
	m.doc.NextID++
	path = filepath.Join(m.tableDir, fmt.Sprintf("L%d_%010d.sst", level, id))
	return path, id
}

// Add registers a newly-written table and persists the catalog.
func (m *Manifest) Add(d Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.doc.Tables = append(m.doc.Tables, d)
	return m.persistLocked()
}

// Remove deletes the descriptor with the given id from the catalog and
// persists it. It does not touch the underlying file.
func (m *Manifest) Remove(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, d := range m.doc.Tables {
		if d.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: id %d", ErrUnknownTable, id)
	}
	m.doc.Tables = append(m.doc.Tables[:idx], m.doc.Tables[idx+1:]...)
	return m.persistLocked()
}

// TablesInLevel returns every live descriptor at level, in no particular
// order.
func (m *Manifest) TablesInLevel(level int) []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Descriptor
	for _, d := range m.doc.Tables {
		if d.Level == level {
			out = append(out, d)
		}
	}
	return out
}

// AllTables returns every live descriptor across all levels, newest
// (highest id) first — the order the orchestrator probes tables in.
func (m *Manifest) AllTables() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Descriptor, len(m.doc.Tables))
	copy(out, m.doc.Tables)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// CompactionCandidates returns the two oldest (lowest id) descriptors at
// level, or fewer if level has under two tables.
func (m *Manifest) CompactionCandidates(level int) []Descriptor {
	tables := m.TablesInLevel(level)
	sort.Slice(tables, func(i, j int) bool { return tables[i].ID < tables[j].ID })
	if len(tables) > 2 {
		tables = tables[:2]
	}
	return tables
}

func (m *Manifest) persistLocked() error {
	data, err := json.MarshalIndent(m.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("manifest: write temp file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("manifest: rename into place: %w", err)
	}
	return nil
}
