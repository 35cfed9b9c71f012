// Package sstable writes and reads the immutable sorted-table file
// format a flushed or compacted memtable becomes on disk: a run of
// key-ordered data blocks, a membership filter blob, a block index, and
// a fixed-size footer.
package sstable

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/nyasuto/lsmkv/internal/filter"
	"github.com/nyasuto/lsmkv/internal/memtable"
)

// footerSize is the fixed 32-byte footer: four little-endian u64s.
const footerSize = 32

// IndexRecord describes one data block: the inclusive key range it
// covers and its byte span within the file.
type IndexRecord struct {
	Start  string
	End    string
	Offset uint64
	Size   uint64
}

// BlockEntry is one (key, optional value) pair as stored in a data
// block; a nil Value is a tombstone.
type BlockEntry struct {
	Key   string
	Value *string
}

// Footer is the fixed-size trailer every table file ends with.
type Footer struct {
	BloomOffset uint64
	BloomSize   uint64
	IndexOffset uint64
	IndexSize   uint64
}

// Write streams entries to a new table file at path in groups of
// exactly indexSize adjacent entries (the final group may be shorter),
// then appends flt's serialized form and the block index, then the
// footer. It returns the index records describing the written blocks,
// for the caller to hand to the cache alongside flt.
func Write(path string, entries []memtable.Entry, flt *filter.Filter, indexSize int) ([]IndexRecord, error) {
	if indexSize <= 0 {
		indexSize = 1
	}

	f, err := os.Create(path) // #nosec G304 -- path is constructed by the manifest from a validated level/id
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", path, err)
	}
	defer f.Close()

	var offset uint64
	var records []IndexRecord

	for start := 0; start < len(entries); start += indexSize {
		end := start + indexSize
		if end > len(entries) {
			end = len(entries)
		}
		group := entries[start:end]

		block := make([]BlockEntry, len(group))
		for i, e := range group {
			block[i] = BlockEntry{Key: e.Key, Value: e.Value}
		}

		blob, err := encodeGob(block)
		if err != nil {
			return nil, fmt.Errorf("sstable: encode block: %w", err)
		}
		if _, err := f.Write(blob); err != nil {
			return nil, fmt.Errorf("sstable: write block: %w", err)
		}

		records = append(records, IndexRecord{
			Start:  group[0].Key,
			End:    group[len(group)-1].Key,
			Offset: offset,
			Size:   uint64(len(blob)),
		})
		offset += uint64(len(blob))
	}

	bloomBlob := flt.Serialize()
	bloomOffset := offset
	if _, err := f.Write(bloomBlob); err != nil {
		return nil, fmt.Errorf("sstable: write filter: %w", err)
	}
	offset += uint64(len(bloomBlob))

	indexBlob, err := encodeGob(records)
	if err != nil {
		return nil, fmt.Errorf("sstable: encode index: %w", err)
	}
	indexOffset := offset
	if _, err := f.Write(indexBlob); err != nil {
		return nil, fmt.Errorf("sstable: write index: %w", err)
	}

	footer := Footer{
		BloomOffset: bloomOffset,
		BloomSize:   uint64(len(bloomBlob)),
		IndexOffset: indexOffset,
		IndexSize:   uint64(len(indexBlob)),
	}
	if _, err := f.Write(encodeFooter(footer)); err != nil {
		return nil, fmt.Errorf("sstable: write footer: %w", err)
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sstable: sync %s: %w", path, err)
	}

	return records, nil
}

func encodeFooter(f Footer) []byte {
	out := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(out[0:8], f.BloomOffset)
	binary.LittleEndian.PutUint64(out[8:16], f.BloomSize)
	binary.LittleEndian.PutUint64(out[16:24], f.IndexOffset)
	binary.LittleEndian.PutUint64(out[24:32], f.IndexSize)
	return out
}

func decodeFooter(data []byte) (Footer, error) {
	if len(data) != footerSize {
		return Footer{}, fmt.Errorf("sstable: footer must be %d bytes, got %d", footerSize, len(data))
	}
	return Footer{
		BloomOffset: binary.LittleEndian.Uint64(data[0:8]),
		BloomSize:   binary.LittleEndian.Uint64(data[8:16]),
		IndexOffset: binary.LittleEndian.Uint64(data[16:24]),
		IndexSize:   binary.LittleEndian.Uint64(data[24:32]),
	}, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadFooter seeks to the last 32 bytes of the table file at path and
// decodes the footer.
func ReadFooter(path string) (Footer, error) {
	f, err := os.Open(path) // #nosec G304 -- path originates from the manifest/cache, not user input
	if err != nil {
		return Footer{}, fmt.Errorf("sstable: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Footer{}, fmt.Errorf("sstable: stat %s: %w", path, err)
	}
	if info.Size() < footerSize {
		return Footer{}, fmt.Errorf("sstable: %s is smaller than a footer (%d bytes)", path, info.Size())
	}

	buf := make([]byte, footerSize)
	if _, err := f.ReadAt(buf, info.Size()-footerSize); err != nil {
		return Footer{}, fmt.Errorf("sstable: read footer of %s: %w", path, err)
	}
	return decodeFooter(buf)
}

// ReadIndex reads and decodes the block index described by footer from
// the table file at path.
func ReadIndex(path string, footer Footer) ([]IndexRecord, error) {
	blob, err := readRegion(path, footer.IndexOffset, footer.IndexSize)
	if err != nil {
		return nil, fmt.Errorf("sstable: read index of %s: %w", path, err)
	}
	var records []IndexRecord
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&records); err != nil {
		return nil, fmt.Errorf("sstable: decode index of %s: %w", path, err)
	}
	return records, nil
}

// ReadFilter reads and decodes the membership filter blob described by
// footer from the table file at path.
func ReadFilter(path string, footer Footer) (*filter.Filter, error) {
	blob, err := readRegion(path, footer.BloomOffset, footer.BloomSize)
	if err != nil {
		return nil, fmt.Errorf("sstable: read filter of %s: %w", path, err)
	}
	flt, err := filter.Deserialize(blob)
	if err != nil {
		return nil, fmt.Errorf("sstable: decode filter of %s: %w", path, err)
	}
	return flt, nil
}

// ReadBlock reads and decodes the data block described by ir from the
// table file at path.
func ReadBlock(path string, ir IndexRecord) ([]BlockEntry, error) {
	blob, err := readRegion(path, ir.Offset, ir.Size)
	if err != nil {
		return nil, fmt.Errorf("sstable: read block of %s: %w", path, err)
	}
	var block []BlockEntry
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&block); err != nil {
		return nil, fmt.Errorf("sstable: decode block of %s: %w", path, err)
	}
	return block, nil
}

func readRegion(path string, offset, size uint64) ([]byte, error) {
	f, err := os.Open(path) // #nosec G304 -- path originates from the manifest/cache, not user input
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadAllEntries reads every data block of the table file at path, in
// index order, and concatenates them into one key-ordered entry list.
// It is used by compaction to fully materialize a source table.
func ReadAllEntries(path string, index []IndexRecord) ([]BlockEntry, error) {
	var out []BlockEntry
	for _, ir := range index {
		block, err := ReadBlock(path, ir)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out, nil
}
