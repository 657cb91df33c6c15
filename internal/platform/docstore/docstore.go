// Package docstore is the document-storage collaborator for document
// events. The record engine never trusts stored bytes: it keeps a checksum
// on the event and re-verifies on every retrieval.
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("document not found")

// MaxDocumentSize bounds a single stored document (50 MB).
const MaxDocumentSize = 50 * 1024 * 1024

// Store persists raw document bytes under an opaque reference.
type Store interface {
	// Put stores the bytes and returns the reference and the hex SHA-256
	// checksum of what was written.
	Put(ctx context.Context, data []byte) (ref string, checksum string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Checksum returns the hex SHA-256 of data, the format recorded on
// document events.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MemoryStore keeps documents in memory. Suitable for development and
// tests.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string][]byte{}}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (string, string, error) {
	if len(data) > MaxDocumentSize {
		return "", "", fmt.Errorf("document of %d bytes exceeds limit", len(data))
	}
	ref := uuid.New().String()
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.docs[ref] = buf
	s.mu.Unlock()
	return ref, Checksum(buf), nil
}

func (s *MemoryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.docs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Corrupt overwrites a stored document in place. Test hook for checksum
// verification paths.
func (s *MemoryStore) Corrupt(ref string, data []byte) {
	s.mu.Lock()
	s.docs[ref] = data
	s.mu.Unlock()
}

// FileStore persists documents under a directory, one file per reference.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating document directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, string, error) {
	if len(data) > MaxDocumentSize {
		return "", "", fmt.Errorf("document of %d bytes exceeds limit", len(data))
	}
	ref := uuid.New().String()
	if err := os.WriteFile(filepath.Join(s.dir, ref), data, 0o640); err != nil {
		return "", "", fmt.Errorf("writing document: %w", err)
	}
	return ref, Checksum(data), nil
}

func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	// References are always UUIDs we minted; reject anything else rather
	// than letting a crafted ref walk the filesystem.
	if _, err := uuid.Parse(ref); err != nil {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dir, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}
