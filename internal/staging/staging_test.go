package staging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"weft/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), logging.Discard())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestPutGetRemove(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	data := []byte("ciphertext bytes")

	if err := s.Put(id, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get = %q, want %q", got, data)
	}

	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(id); !errors.Is(err, ErrNotStaged) {
		t.Fatalf("Get after Remove: got %v, want ErrNotStaged", err)
	}
	// Removing twice is fine.
	if err := s.Remove(id); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestPutOverwrites(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()

	if err := s.Put(id, []byte("first")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(id, []byte("second")); err != nil {
		t.Fatalf("Put again: %v", err)
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("Get = %q, want %q", got, "second")
	}
}

func TestSweepEvictsByAge(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, logging.Discard())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	oldID, freshID := uuid.New(), uuid.New()
	if err := s.Put(oldID, []byte("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(freshID, []byte("fresh")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Age the first entry past the TTL.
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, oldID.String()+suffix), past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := s.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if _, err := s.Get(oldID); !errors.Is(err, ErrNotStaged) {
		t.Errorf("old entry survived the sweep: %v", err)
	}
	if _, err := s.Get(freshID); err != nil {
		t.Errorf("fresh entry evicted: %v", err)
	}
}
