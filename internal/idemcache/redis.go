package idemcache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by redis, for load-balanced deployments
// where the replay window must be shared across processes.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(store *RedisStore) {
		store.prefix = strings.Trim(prefix, ":")
	}
}

// NewRedisStore returns a RedisStore over an existing client.
func NewRedisStore(rdb *redis.Client, options ...RedisOption) *RedisStore {
	store := &RedisStore{
		rdb:    rdb,
		prefix: "vendgate:idem",
	}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

func (store *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(Entry{Status: StatusReserved})
	if err != nil {
		return false, err
	}
	return store.rdb.SetNX(ctx, store.key(key), payload, ttl).Result()
}

func (store *RedisStore) Complete(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	entry.Status = StatusCompleted
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return store.rdb.Set(ctx, store.key(key), payload, ttl).Err()
}

func (store *RedisStore) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	payload, err := store.rdb.Get(ctx, store.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (store *RedisStore) Release(ctx context.Context, key string) error {
	return store.rdb.Del(ctx, store.key(key)).Err()
}

func (store *RedisStore) key(key string) string {
	return store.prefix + ":" + key
}

var _ Store = (*RedisStore)(nil)
