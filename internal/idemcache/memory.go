package idemcache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-instance deployments.
// Expired entries are cleaned up lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowFn   func() time.Time
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(store *MemoryStore) {
		store.nowFn = now
	}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(options ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		entries: make(map[string]memoryEntry),
		nowFn:   time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

func (store *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	now := store.nowFn()
	if existing, ok := store.entries[key]; ok && existing.expiresAt.After(now) {
		return false, nil
	}
	store.entries[key] = memoryEntry{
		entry:     Entry{Status: StatusReserved},
		expiresAt: now.Add(ttl),
	}
	store.cleanupLocked(now)
	return true, nil
}

func (store *MemoryStore) Complete(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	entry.Status = StatusCompleted
	store.entries[key] = memoryEntry{
		entry:     entry,
		expiresAt: store.nowFn().Add(ttl),
	}
	return nil
}

func (store *MemoryStore) Lookup(_ context.Context, key string) (Entry, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	existing, ok := store.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if !existing.expiresAt.After(store.nowFn()) {
		delete(store.entries, key)
		return Entry{}, false, nil
	}
	return existing.entry, true, nil
}

func (store *MemoryStore) Release(_ context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if existing, ok := store.entries[key]; ok && existing.entry.Status == StatusReserved {
		delete(store.entries, key)
	}
	return nil
}

// cleanupLocked removes expired entries. Must be called with the lock held.
func (store *MemoryStore) cleanupLocked(now time.Time) {
	for key, existing := range store.entries {
		if !existing.expiresAt.After(now) {
			delete(store.entries, key)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
