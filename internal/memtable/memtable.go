// Package memtable holds the ordered, in-memory buffer of recent writes
// that sits in front of the on-disk SSTables.
package memtable

import (
	"errors"
	"sort"
	"sync"

	"github.com/nyasuto/lsmkv/internal/filter"
)

// ErrEmptyKey is returned by Put and Delete when called with an empty key.
var ErrEmptyKey = errors.New("memtable: key must not be empty")

// LookupResult is the sum type returned by Get: a key is either absent
// from the table entirely, present with a value, or present as a
// tombstone recording a delete.
type LookupResult int

const (
	// Missing means the key has no entry in this memtable at all; the
	// caller should keep searching older sources.
	Missing LookupResult = iota
	// Present means the key maps to a live value.
	Present
	// Tombstoned means the key was deleted in this memtable; the
	// caller's search for the key stops here and returns "not found".
	Tombstoned
)

// entry is nil Value for a tombstone, non-nil for a live value.
type entry struct {
	value *string
}

// MemTable is an ordered map from key to optional value, plus a
// membership filter updated on every Put. It is safe for concurrent use.
type MemTable struct {
	mu     sync.RWMutex
	data   map[string]entry
	keys   []string // kept sorted; refreshed lazily on mutation
	dirty  bool
	filter *filter.Filter
}

// New creates an empty memtable. filterSize sizes the embedded
// membership filter's bit vector (cache.bloom_filter_size).
func New(filterSize uint64) *MemTable {
	return &MemTable{
		data:   make(map[string]entry),
		filter: filter.New(filterSize),
	}
}

// Put sets key to value and marks the filter with key. Filter updates
// happen only on Put, never on Delete: a key only ever deleted is not
// admitted by the filter, which is harmless because deleting a
// never-inserted key is a no-op.
func (m *MemTable) Put(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v := value
	if _, exists := m.data[key]; !exists {
		m.keys = nil
	}
	m.data[key] = entry{value: &v}
	m.filter.Insert([]byte(key))
	m.dirty = true
	return nil
}

// Delete records a tombstone for key. The filter is left untouched.
func (m *MemTable) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; !exists {
		m.keys = nil
	}
	m.data[key] = entry{value: nil}
	m.dirty = true
	return nil
}

// Get returns the lookup outcome for key and, when Present, the value.
func (m *MemTable) Get(key string) (string, LookupResult) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.data[key]
	if !exists {
		return "", Missing
	}
	if e.value == nil {
		return "", Tombstoned
	}
	return *e.value, Present
}

// MightContain consults the embedded filter only; a true result does
// not guarantee membership, a false result is authoritative.
func (m *MemTable) MightContain(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filter.Contains([]byte(key))
}

// Len returns the entry count, tombstones included.
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Filter returns the memtable's membership filter. The returned value
// must not be mutated; it is shared with whoever flushes this table.
func (m *MemTable) Filter() *filter.Filter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filter
}

// Entry is a single key paired with its optional value, as exposed by
// Entries in key order.
type Entry struct {
	Key   string
	Value *string // nil means tombstone
}

// Entries returns every entry in ascending key order, tombstones
// included. Callers use this to flush the memtable to an SSTable or to
// feed a compaction merge.
func (m *MemTable) Entries() []Entry {
	m.mu.Lock()
	m.refreshKeysLocked()
	keys := m.keys
	out := make([]Entry, len(keys))
	for i, k := range keys {
		e := m.data[k]
		out[i] = Entry{Key: k, Value: e.value}
	}
	m.mu.Unlock()
	return out
}

func (m *MemTable) refreshKeysLocked() {
	if !m.dirty && m.keys != nil {
		return
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	m.keys = keys
	m.dirty = false
}

// FirstLastKey returns the first and last key in ascending order,
// populated so a flushed SSTable's table descriptor can record its key
// range. ok is false for an empty memtable.
func (m *MemTable) FirstLastKey() (first, last string, ok bool) {
	m.mu.Lock()
	m.refreshKeysLocked()
	defer m.mu.Unlock()
	if len(m.keys) == 0 {
		return "", "", false
	}
	return m.keys[0], m.keys[len(m.keys)-1], true
}
