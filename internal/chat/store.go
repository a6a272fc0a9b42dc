package chat

import (
	"errors"
	"sync"

	"github.com/whisperlink/backend/internal/crypto"
)

// ErrResourceNotFound is returned for an unknown content digest.
var ErrResourceNotFound = errors.New("resource not found")

// ResourceStore is an in-memory content-addressed store for file bodies,
// keyed by BLAKE3 digest and reference counted.
type ResourceStore struct {
	mu      sync.RWMutex
	entries map[string]*resource
}

type resource struct {
	data []byte
	refs int
}

// NewResourceStore creates an empty store.
func NewResourceStore() *ResourceStore {
	return &ResourceStore{entries: make(map[string]*resource)}
}

// Put stores data and returns its digest. Storing identical bytes twice
// shares one entry.
func (s *ResourceStore) Put(data []byte) string {
	digest := crypto.ContentDigest(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.entries[digest]; ok {
		r.refs++
		return digest
	}
	s.entries[digest] = &resource{data: append([]byte(nil), data...), refs: 1}
	return digest
}

// Get returns a copy of the bytes stored under digest.
func (s *ResourceStore) Get(digest string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.entries[digest]
	if !ok {
		return nil, ErrResourceNotFound
	}
	return append([]byte(nil), r.data...), nil
}

// Release drops one reference and frees the entry at zero.
func (s *ResourceStore) Release(digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries[digest]
	if !ok {
		return
	}
	r.refs--
	if r.refs <= 0 {
		delete(s.entries, digest)
	}
}

// Clear drops every entry.
func (s *ResourceStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*resource)
}

// Len returns the number of distinct bodies held.
func (s *ResourceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
