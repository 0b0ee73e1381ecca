package artifact

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestPersistAndRead(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	loc, err := s.Persist("abc123", []byte("gif-bytes"))
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	data, err := s.Read(loc)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(data, []byte("gif-bytes")) {
		t.Errorf("Read() = %q", data)
	}
}

func TestPersistOverwrites(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	loc1, err := s.Persist("abc123", []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	loc2, err := s.Persist("abc123", []byte("second"))
	if err != nil {
		t.Fatal(err)
	}
	if loc1 != loc2 {
		t.Errorf("locations differ: %s vs %s", loc1, loc2)
	}

	data, _ := s.Read(loc2)
	if string(data) != "second" {
		t.Errorf("Read() = %q, want overwrite", data)
	}

	count, _ := s.Stats()
	if count != 1 {
		t.Errorf("file count = %d, want 1", count)
	}
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(filepath.Join(s.Dir(), "gone.gif")); err != nil {
		t.Errorf("Remove() error = %v, want nil for missing file", err)
	}
}

func TestInvalidFingerprintRejected(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, fp := range []string{"", "../escape", "a/b", `a\b`, "a.b"} {
		if _, err := s.Persist(fp, []byte("x")); err == nil {
			t.Errorf("Persist(%q) succeeded, want error", fp)
		}
	}
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	s.Persist("aaa", bytes.Repeat([]byte("x"), 100))
	s.Persist("bbb", bytes.Repeat([]byte("y"), 50))
	// A stray non-artifact file is not counted.
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore"), 0o644)

	count, total := s.Stats()
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if total != 150 {
		t.Errorf("total = %d, want 150", total)
	}
}
