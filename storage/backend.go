package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/custodia/wallet-recovery-backend/interfaces"
)

// Backend is a minimal keyed record store. Keys are slash-separated paths;
// List returns all keys under a prefix. The persistence layer is always
// authoritative; anything built on top is a rebuildable index.
type Backend interface {
	// Get retrieves a record. Returns an error wrapping
	// interfaces.ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores or replaces a record.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes a record. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, in unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)

	// LocationURI returns the URI this backend was created from.
	LocationURI() string
}

// MemoryBackend is an in-process Backend for tests and development.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]byte)}
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.records[key]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put implements Backend.
func (b *MemoryBackend) Put(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	b.records[key] = stored
	return nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
	return nil
}

// List implements Backend.
func (b *MemoryBackend) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0)
	for key := range b.records {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// LocationURI implements Backend.
func (b *MemoryBackend) LocationURI() string { return "memory://" }
