package filter

import "testing"

func TestInsertContains(t *testing.T) {
	f := New(1024)

	f.Insert([]byte("alpha"))
	f.Insert([]byte("beta"))

	if !f.Contains([]byte("alpha")) {
		t.Errorf("expected alpha to be contained")
	}
	if !f.Contains([]byte("beta")) {
		t.Errorf("expected beta to be contained")
	}
}

func TestContainsNeverFalseNegative(t *testing.T) {
	f := New(4096)
	keys := []string{"a", "bb", "ccc", "dddd", "e", "ffffff"}
	for _, k := range keys {
		f.Insert([]byte(k))
	}
	for _, k := range keys {
		if !f.Contains([]byte(k)) {
			t.Errorf("Contains(%q) = false, want true (false negative not allowed)", k)
		}
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	f := New(256)
	f.Insert([]byte("roundtrip"))

	blob := f.Serialize()
	got, err := Deserialize(blob)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.Size() != f.Size() {
		t.Errorf("Size() = %d, want %d", got.Size(), f.Size())
	}
	if !got.Contains([]byte("roundtrip")) {
		t.Errorf("deserialized filter lost membership of inserted key")
	}
}

func TestDeserializeTruncated(t *testing.T) {
	if _, err := Deserialize([]byte{1, 2, 3}); err == nil {
		t.Errorf("expected error on truncated blob")
	}
}
