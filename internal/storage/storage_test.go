package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// newTestStorage creates a temporary storage for testing.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	dir, err := os.MkdirTemp("", "storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := New(filepath.Join(dir, "db"))
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
}

func TestInsertIsWriteOnce(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("c:seq")

	if err := s.Insert(key, []byte("first")); err != nil {
		t.Fatalf("first Insert failed: %v", err)
	}

	err := s.Insert(key, []byte("second"))
	if !errors.Is(err, ErrKeyExists) {
		t.Fatalf("second Insert: got %v, want ErrKeyExists", err)
	}

	got, _ := s.Get(key)
	if !bytes.Equal(got, []byte("first")) {
		t.Fatalf("stored value changed to %q", got)
	}
}

func TestInsertBatchAllOrNothing(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Set([]byte("b"), []byte("taken")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	err := s.InsertBatch([]KeyValue{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	})
	if !errors.Is(err, ErrKeyExists) {
		t.Fatalf("InsertBatch: got %v, want ErrKeyExists", err)
	}

	if ok, _ := s.Has([]byte("a")); ok {
		t.Fatal("partial batch was written")
	}
}

func TestIteratePrefix(t *testing.T) {
	s := newTestStorage(t)

	for _, k := range []string{"a:1", "a:2", "b:1", "a:3"} {
		if err := s.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Set %s failed: %v", k, err)
		}
	}

	var keys []string

	err := s.IteratePrefix([]byte("a:"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	want := []string{"a:1", "a:2", "a:3"}
	if len(keys) != len(want) {
		t.Fatalf("got keys %v, want %v", keys, want)
	}

	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("got keys %v, want %v", keys, want)
		}
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		in   []byte
		want []byte
	}{
		{[]byte("a:"), []byte("a;")},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
	}

	for _, tt := range tests {
		if got := prefixUpperBound(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func TestClosedStorage(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := s.Get([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after Close: got %v, want ErrClosed", err)
	}

	if err := s.Insert([]byte("k"), []byte("v")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Insert after Close: got %v, want ErrClosed", err)
	}
}
