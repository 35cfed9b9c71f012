// Package filter implements the membership filter used by a memtable and
// carried, unchanged, into the SSTable that memtable flushes to.
package filter

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// numSeeds is fixed at three: the filter always hashes a key with seeds
// 1, 2 and 3 and sets (or tests) the resulting three bit positions.
const numSeeds = 3

// Filter is a fixed-size bit vector membership test. It never reports a
// false negative for a key that was Inserted, but may report a false
// positive for a key that never was. There is no Remove.
type Filter struct {
	bits []uint64
	size uint64
}

// New creates an empty filter with size bits, all initially unset.
func New(size uint64) *Filter {
	if size == 0 {
		size = 1
	}
	return &Filter{
		bits: make([]uint64, (size+63)/64),
		size: size,
	}
}

// Insert sets the three bit positions derived from key.
func (f *Filter) Insert(key []byte) {
	for seed := uint64(1); seed <= numSeeds; seed++ {
		f.setBit(f.bitIndex(key, seed))
	}
}

// Contains returns true only if every one of the three bit positions
// derived from key is set. A true result is advisory: it does not
// guarantee key is actually present, only that it might be.
func (f *Filter) Contains(key []byte) bool {
	for seed := uint64(1); seed <= numSeeds; seed++ {
		if !f.getBit(f.bitIndex(key, seed)) {
			return false
		}
	}
	return true
}

func (f *Filter) bitIndex(key []byte, seed uint64) uint64 {
	d := xxhash.NewWithSeed(seed)
	_, _ = d.Write(key)
	return d.Sum64() % f.size
}

func (f *Filter) setBit(bit uint64) {
	f.bits[bit/64] |= 1 << (bit % 64)
}

func (f *Filter) getBit(bit uint64) bool {
	return f.bits[bit/64]&(1<<(bit%64)) != 0
}

// Size returns the number of bits in the underlying vector.
func (f *Filter) Size() uint64 {
	return f.size
}

// Serialize encodes the filter as an opaque blob: an 8-byte size header
// followed by the packed bit vector, little-endian throughout. It is
// round-tripped intact as part of an SSTable's footer region.
func (f *Filter) Serialize() []byte {
	out := make([]byte, 8+len(f.bits)*8)
	binary.LittleEndian.PutUint64(out[:8], f.size)
	for i, word := range f.bits {
		binary.LittleEndian.PutUint64(out[8+i*8:], word)
	}
	return out
}

// Deserialize reconstructs a filter from bytes produced by Serialize.
func Deserialize(data []byte) (*Filter, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("filter: truncated blob of %d bytes", len(data))
	}
	size := binary.LittleEndian.Uint64(data[:8])
	wantWords := int((size + 63) / 64)
	rest := data[8:]
	if len(rest) < wantWords*8 {
		return nil, fmt.Errorf("filter: blob too short for size %d: have %d words, want %d", size, len(rest)/8, wantWords)
	}
	bits := make([]uint64, wantWords)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(rest[i*8:])
	}
	return &Filter{bits: bits, size: size}, nil
}
