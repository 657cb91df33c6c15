package docstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	data := []byte("discharge summary")

	ref, checksum, err := s.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if checksum != Checksum(data) {
		t.Errorf("checksum mismatch: %s vs %s", checksum, Checksum(data))
	}

	got, err := s.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("retrieved bytes differ from stored bytes")
	}
}

func TestMemoryStore_GetIsolatesCaller(t *testing.T) {
	s := NewMemoryStore()
	ref, _, err := s.Put(context.Background(), []byte("original"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	first, _ := s.Get(context.Background(), ref)
	first[0] = 'X'

	second, _ := s.Get(context.Background(), ref)
	if second[0] == 'X' {
		t.Error("mutating a returned slice must not affect the store")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	data := []byte("lab report pdf bytes")

	ref, checksum, err := s.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) || checksum != Checksum(data) {
		t.Error("round trip lost data")
	}
}

func TestFileStore_RejectsNonUUIDRef(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.Get(context.Background(), "../../etc/passwd"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for traversal ref, got %v", err)
	}
}
