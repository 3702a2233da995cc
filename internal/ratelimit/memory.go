package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter is an in-process Counter with lazy expiry.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
	nowFn   func() time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounter returns an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		entries: make(map[string]*counterEntry),
		nowFn:   time.Now,
	}
}

func (counter *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	counter.mu.Lock()
	defer counter.mu.Unlock()
	now := counter.nowFn()
	entry, ok := counter.entries[key]
	if !ok || !entry.expiresAt.After(now) {
		entry = &counterEntry{expiresAt: now.Add(window)}
		counter.entries[key] = entry
		counter.cleanupLocked(now)
	}
	entry.count++
	return entry.count, nil
}

// cleanupLocked removes expired windows. Must be called with the lock held.
func (counter *MemoryCounter) cleanupLocked(now time.Time) {
	for key, entry := range counter.entries {
		if !entry.expiresAt.After(now) {
			delete(counter.entries, key)
		}
	}
}

var _ Counter = (*MemoryCounter)(nil)
