package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter is a Counter backed by redis, shared across processes.
type RedisCounter struct {
	rdb    *redis.Client
	prefix string
}

// RedisCounterOption configures a RedisCounter.
type RedisCounterOption func(*RedisCounter)

// WithCounterPrefix overrides the key prefix.
func WithCounterPrefix(prefix string) RedisCounterOption {
	return func(counter *RedisCounter) {
		counter.prefix = strings.Trim(prefix, ":")
	}
}

// NewRedisCounter returns a RedisCounter over an existing client.
func NewRedisCounter(rdb *redis.Client, options ...RedisCounterOption) *RedisCounter {
	counter := &RedisCounter{
		rdb:    rdb,
		prefix: "vendgate:rate",
	}
	for _, option := range options {
		if option != nil {
			option(counter)
		}
	}
	return counter
}

func (counter *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := counter.prefix + ":" + key
	pipe := counter.rdb.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

var _ Counter = (*RedisCounter)(nil)
