package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

// newTestStorage creates a temporary storage for testing.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("test-key")
	value := []byte("test-value")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}

	ok, err := s.Has(key)
	if err != nil || !ok {
		t.Errorf("Has = %v, %v, want true", ok, err)
	}
}

func TestGetNonExistent(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.Get([]byte("non-existent"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}

	ok, err := s.Has([]byte("non-existent"))
	if err != nil || ok {
		t.Errorf("Has = %v, %v, want false", ok, err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("to-delete")

	if err := s.Set(key, []byte("value")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get after Delete returned %q, want nil", got)
	}
}

func TestBatch(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Set([]byte("old"), []byte("x")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	b := s.NewBatch()
	b.Set([]byte("batch-1"), []byte("value-1"))
	b.Set([]byte("batch-2"), []byte("value-2"))
	b.Delete([]byte("old"))

	if b.Len() != 3 {
		t.Errorf("Len = %d, want 3", b.Len())
	}

	// Nothing is visible before the commit.
	if got, _ := s.Get([]byte("batch-1")); got != nil {
		t.Errorf("uncommitted write visible: %q", got)
	}

	if err := b.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	for _, key := range []string{"batch-1", "batch-2"} {
		if ok, _ := s.Has([]byte(key)); !ok {
			t.Errorf("%s missing after commit", key)
		}
	}

	if ok, _ := s.Has([]byte("old")); ok {
		t.Error("deleted key still present after commit")
	}
}

func TestBatchDiscard(t *testing.T) {
	s := newTestStorage(t)

	b := s.NewBatch()
	b.Set([]byte("k"), []byte("v"))
	b.Discard()

	if ok, _ := s.Has([]byte("k")); ok {
		t.Error("discarded write applied")
	}
}

func TestIterateRange(t *testing.T) {
	s := newTestStorage(t)

	for _, key := range []string{"a1", "a2", "a3", "b1", "b\xff", "c"} {
		if err := s.Set([]byte(key), []byte(key)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	collect := func(lower, upper []byte) []string {
		var keys []string
		err := s.IterateRange(lower, upper, func(key, value []byte) error {
			if !bytes.Equal(key, value) {
				t.Errorf("value of %q is %q", key, value)
			}
			keys = append(keys, string(key))
			return nil
		})
		if err != nil {
			t.Fatalf("IterateRange failed: %v", err)
		}
		return keys
	}

	if got := collect([]byte("a2"), []byte("b1")); len(got) != 2 || got[0] != "a2" || got[1] != "a3" {
		t.Errorf("range [a2, b1) = %q", got)
	}

	if got := collect([]byte("b"), nil); len(got) != 3 {
		t.Errorf("range [b, end) = %q", got)
	}

	var prefixed []string
	err := s.IteratePrefix([]byte("b"), func(key, _ []byte) error {
		prefixed = append(prefixed, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if len(prefixed) != 2 {
		t.Errorf("prefix b = %q, want 2 keys", prefixed)
	}
}

func TestIterateStops(t *testing.T) {
	s := newTestStorage(t)

	for _, key := range []string{"k1", "k2", "k3"} {
		if err := s.Set([]byte(key), nil); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	stop := errors.New("stop")
	visited := 0

	err := s.IteratePrefix([]byte("k"), func(_, _ []byte) error {
		visited++
		return stop
	})

	if !errors.Is(err, stop) {
		t.Errorf("IteratePrefix error = %v, want stop", err)
	}

	if visited != 1 {
		t.Errorf("visited %d keys, want 1", visited)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte("ab"), []byte("ac")},
		{[]byte{'a', 0xff}, []byte("b")},
		{[]byte{0xff, 0xff}, nil},
	}

	for _, tt := range tests {
		if got := PrefixUpperBound(tt.prefix); !bytes.Equal(got, tt.want) {
			t.Errorf("PrefixUpperBound(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestMemoryAndReopen(t *testing.T) {
	m, err := NewMemory()
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}

	if err := m.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := m.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}

	path := filepath.Join(t.TempDir(), "db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.Set([]byte("persisted"), []byte("yes")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get([]byte("persisted"))
	if err != nil || string(got) != "yes" {
		t.Errorf("Get after reopen = %q, %v", got, err)
	}
}
