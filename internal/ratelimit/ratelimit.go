// Package ratelimit implements fixed-window request counting per scope.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Counter increments the counter for a window key and returns the new count.
// Implementations must expire keys at or after window end.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter applies a fixed-window limit per scope. When the counter store is
// unreachable the limiter fails open: infrastructure trouble must not block
// legitimate traffic. The under-admission risk is an accepted trade-off.
type Limiter struct {
	counter Counter
	logger  *zap.Logger
	nowFn   func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock overrides the limiter clock.
func WithClock(now func() time.Time) LimiterOption {
	return func(limiter *Limiter) {
		limiter.nowFn = now
	}
}

// NewLimiter wires a Limiter over a Counter.
func NewLimiter(counter Counter, logger *zap.Logger, options ...LimiterOption) *Limiter {
	limiter := &Limiter{
		counter: counter,
		logger:  logger,
		nowFn:   time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(limiter)
		}
	}
	return limiter
}

// CheckAndIncrement counts this request against the scope's current window
// and reports whether it is within limit. Counters reset exactly at window
// boundaries because the window start is part of the key.
func (limiter *Limiter) CheckAndIncrement(ctx context.Context, scope string, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return true
	}
	windowStart := limiter.nowFn().Truncate(window).UnixNano()
	key := fmt.Sprintf("%s:%d", scope, windowStart)
	count, err := limiter.counter.Incr(ctx, key, window)
	if err != nil {
		if limiter.logger != nil {
			limiter.logger.Warn("rate counter unreachable, failing open",
				zap.String("scope", scope),
				zap.Error(err))
		}
		return true
	}
	return count <= int64(limit)
}
