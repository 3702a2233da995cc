// Package idemcache maps caller-supplied request ids to in-flight or
// completed vend results so a retried request never re-enters the spend path.
package idemcache

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle of a cached entry: reserved transitions to
// completed exactly once, then the entry expires.
type Status string

const (
	StatusReserved  Status = "reserved"
	StatusCompleted Status = "completed"
)

// Entry is the cached outcome for an idempotency key.
type Entry struct {
	Status     Status          `json:"status"`
	StatusCode int             `json:"status_code,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
}

// Store is the idempotency contract. Implementations must be safe for
// concurrent use; Reserve must be atomic so only one caller claims a key.
type Store interface {
	// Reserve claims the key for the calling request. Returns true only when
	// this caller is the first to claim it.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Complete transitions the key to completed and caches the result.
	Complete(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	// Lookup returns the entry for key, if any.
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	// Release drops a reservation after a failed attempt so the caller may retry.
	Release(ctx context.Context, key string) error
}

// Key builds the cache key for a scope and client request id.
func Key(scope string, clientRequestID string) string {
	return scope + ":" + clientRequestID
}
