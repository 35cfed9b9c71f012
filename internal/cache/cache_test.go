package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nyasuto/lsmkv/internal/filter"
	"github.com/nyasuto/lsmkv/internal/memtable"
	"github.com/nyasuto/lsmkv/internal/sstable"
)

func strPtr(s string) *string { return &s }

func writeTestTable(t *testing.T, dir, name string, entries []memtable.Entry) string {
	t.Helper()
	path := filepath.Join(dir, name)
	flt := filter.New(1024)
	for _, e := range entries {
		flt.Insert([]byte(e.Key))
	}
	if _, err := sstable.Write(path, entries, flt, 2); err != nil {
		t.Fatalf("sstable.Write: %v", err)
	}
	return path
}

func TestAddRemoveCandidatesLocate(t *testing.T) {
	dir := t.TempDir()
	path := writeTestTable(t, dir, "L0_0000000001.sst", []memtable.Entry{
		{Key: "a", Value: strPtr("1")},
		{Key: "b", Value: strPtr("2")},
	})

	footer, err := sstable.ReadFooter(path)
	if err != nil {
		t.Fatalf("ReadFooter: %v", err)
	}
	idx, err := sstable.ReadIndex(path, footer)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	flt, err := sstable.ReadFilter(path, footer)
	if err != nil {
		t.Fatalf("ReadFilter: %v", err)
	}

	c := New()
	c.Add(path, flt, idx)

	candidates := c.Candidates("a")
	found := false
	for _, p := range candidates {
		if p == path {
			found = true
		}
	}
	if !found {
		t.Errorf("Candidates(a) = %v, want it to include %s", candidates, path)
	}

	if _, _, ok := c.Locate(path, "a"); !ok {
		t.Errorf("Locate(path, a) = not found, want found")
	}
	if _, _, ok := c.Locate(path, "zzz"); ok {
		t.Errorf("Locate(path, zzz) = found, want not found")
	}

	c.Remove(path)
	if _, _, ok := c.Locate(path, "a"); ok {
		t.Errorf("Locate after Remove should report not found")
	}
}

func TestLoadPopulatesFromDirectory(t *testing.T) {
	dir := t.TempDir()
	path := writeTestTable(t, dir, "L0_0000000001.sst", []memtable.Entry{
		{Key: "x", Value: strPtr("9")},
	})
	if err := os.WriteFile(filepath.Join(dir, ".gitkeep"), nil, 0o600); err != nil {
		t.Fatalf("seed marker file: %v", err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	candidates := c.Candidates("x")
	if len(candidates) != 1 || candidates[0] != path {
		t.Errorf("Candidates(x) = %v, want [%s]", candidates, path)
	}
}

func TestLoadMissingDirectoryIsEmpty(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Candidates("anything")) != 0 {
		t.Errorf("expected empty cache for missing directory")
	}
}
