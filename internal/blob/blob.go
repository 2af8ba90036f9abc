// Package blob stores ciphertext in content-addressed external storage. The
// blob id is the hex SHA-256 of the stored bytes, so identical ciphertexts
// dedupe naturally and a fetched blob can always be verified against its id.
// Plaintext never reaches this package.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when no blob exists under the given id.
	ErrNotFound = errors.New("blob not found")
	// ErrUnavailable is returned for transient backend failures; callers may
	// retry with backoff.
	ErrUnavailable = errors.New("blob store unavailable")
)

// Store is the minimal contract the custody service needs.
type Store interface {
	// Put stores data and returns its content address.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes stored under id.
	Get(ctx context.Context, id string) ([]byte, error)
	// Delete removes the blob. Missing blobs are not an error.
	Delete(ctx context.Context, id string) error
}

// ContentAddress computes the blob id for data.
func ContentAddress(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MemoryStore keeps blobs in memory for tests and development.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	id := ContentAddress(data)
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = cp
	return id, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, id)
	return nil
}
