// Package config loads the engine's configuration from a TOML file.
// Unlike the reference implementation this mirrors, there is no global:
// Load (or Default) produces a value the caller passes explicitly into
// every constructor that needs it.
package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the full configuration surface the engine needs: memtable
// sizing, filter/index tuning, table thresholds, WAL behavior, and the
// on-disk directory layout.
type Config struct {
	WAL       WALConfig       `toml:"wal"`
	Memtable  MemtableConfig  `toml:"memtable"`
	Cache     CacheConfig     `toml:"cache"`
	SSTable   SSTableConfig   `toml:"ss_table"`
	Directory DirectoryConfig `toml:"directory"`
}

// WALConfig controls the write-ahead log's record format and durability.
type WALConfig struct {
	// Version is stamped into every WAL record.
	Version uint64 `toml:"version"`
	// SyncOnCommit fsyncs the active segment after every append when
	// true, trading throughput for the guarantee that a crash cannot
	// lose an acknowledged write. Default false, matching the
	// reference implementation's unsynced behavior.
	SyncOnCommit bool `toml:"sync_on_commit"`
}

// MemtableConfig controls when the active memtable is frozen and
// flushed.
type MemtableConfig struct {
	MaxEntries int `toml:"max_entries"`
}

// CacheConfig sizes the membership filter and the SSTable block size.
type CacheConfig struct {
	BloomFilterSize uint64 `toml:"bloom_filter_size"`
	IndexSize       int    `toml:"index_size"`
}

// SSTableConfig controls table-catalog and compaction thresholds.
type SSTableConfig struct {
	ManifestLocation     string `toml:"manifest_location"`
	L0FileCountLimit     int    `toml:"l0_file_count_limit"`
	L1FileSizeUpperLimit int64  `toml:"l1_file_size_upper_limit"`
}

// DirectoryConfig names the on-disk layout's base directories.
type DirectoryConfig struct {
	WAL     string `toml:"wal"`
	SSTable string `toml:"ss_table"`
}

// Default returns a configuration suitable for a small standalone
// deployment: a 1000-entry memtable, a 64k-bit filter, 4-entry data
// blocks, and an L0 compaction trigger at 4 files.
func Default() Config {
	return Config{
		WAL: WALConfig{
			Version:      1,
			SyncOnCommit: false,
		},
		Memtable: MemtableConfig{
			MaxEntries: 1000,
		},
		Cache: CacheConfig{
			BloomFilterSize: 65536,
			IndexSize:       4,
		},
		SSTable: SSTableConfig{
			ManifestLocation:     "data/manifest.json",
			L0FileCountLimit:     4,
			L1FileSizeUpperLimit: 64 * 1024 * 1024,
		},
		Directory: DirectoryConfig{
			WAL:     "data/wals",
			SSTable: "data/ss_tables",
		},
	}
}

// Load reads and parses a TOML configuration file at path. Parsing
// starts from Default, so a file that omits a section keeps that
// section's default value.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is an operator-supplied deployment setting
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
