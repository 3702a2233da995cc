package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type erroringCounter struct{}

func (erroringCounter) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestAllowsUpToLimitThenRejects(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	limiter := NewLimiter(NewMemoryCounter(), zap.NewNop(), WithClock(func() time.Time { return now }))

	for index := 0; index < 3; index++ {
		if !limiter.CheckAndIncrement(context.Background(), "user:u1", 3, time.Minute) {
			t.Fatalf("request %d should be within limit", index)
		}
	}
	if limiter.CheckAndIncrement(context.Background(), "user:u1", 3, time.Minute) {
		t.Fatal("request over the limit should be rejected")
	}
}

func TestScopesAreIndependent(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	limiter := NewLimiter(NewMemoryCounter(), zap.NewNop(), WithClock(func() time.Time { return now }))

	if !limiter.CheckAndIncrement(context.Background(), "user:u1", 1, time.Minute) {
		t.Fatal("first request for u1 should pass")
	}
	if limiter.CheckAndIncrement(context.Background(), "user:u1", 1, time.Minute) {
		t.Fatal("second request for u1 should be rejected")
	}
	if !limiter.CheckAndIncrement(context.Background(), "user:u2", 1, time.Minute) {
		t.Fatal("u2 must not share u1's window")
	}
}

func TestWindowBoundaryResetsCount(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	limiter := NewLimiter(NewMemoryCounter(), zap.NewNop(), WithClock(func() time.Time { return now }))

	if !limiter.CheckAndIncrement(context.Background(), "user:u1", 1, time.Minute) {
		t.Fatal("first request should pass")
	}
	if limiter.CheckAndIncrement(context.Background(), "user:u1", 1, time.Minute) {
		t.Fatal("second request in the same window should be rejected")
	}

	now = now.Add(time.Minute)
	if !limiter.CheckAndIncrement(context.Background(), "user:u1", 1, time.Minute) {
		t.Fatal("request in the next window should pass")
	}
}

func TestSubSecondWindow(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	limiter := NewLimiter(NewMemoryCounter(), zap.NewNop(), WithClock(func() time.Time { return now }))

	if !limiter.CheckAndIncrement(context.Background(), "user:u1", 1, 500*time.Millisecond) {
		t.Fatal("first request should pass")
	}
	if limiter.CheckAndIncrement(context.Background(), "user:u1", 1, 500*time.Millisecond) {
		t.Fatal("second request in the same window should be rejected")
	}

	now = now.Add(500 * time.Millisecond)
	if !limiter.CheckAndIncrement(context.Background(), "user:u1", 1, 500*time.Millisecond) {
		t.Fatal("request in the next window should pass")
	}
}

func TestFailsOpenWhenCounterUnreachable(t *testing.T) {
	t.Parallel()
	limiter := NewLimiter(erroringCounter{}, zap.NewNop())

	for index := 0; index < 10; index++ {
		if !limiter.CheckAndIncrement(context.Background(), "user:u1", 1, time.Minute) {
			t.Fatalf("request %d should be admitted while the counter is down", index)
		}
	}
}

func TestZeroLimitDisablesLimiting(t *testing.T) {
	t.Parallel()
	limiter := NewLimiter(NewMemoryCounter(), zap.NewNop())
	if !limiter.CheckAndIncrement(context.Background(), "user:u1", 0, time.Minute) {
		t.Fatal("a non-positive limit should admit everything")
	}
}

func TestMemoryCounterExpiresWindows(t *testing.T) {
	t.Parallel()
	counter := NewMemoryCounter()
	counter.nowFn = func() time.Time { return time.Unix(1700000000, 0) }

	if count, err := counter.Incr(context.Background(), "k", time.Minute); err != nil || count != 1 {
		t.Fatalf("first incr: count=%d err=%v", count, err)
	}
	if count, err := counter.Incr(context.Background(), "k", time.Minute); err != nil || count != 2 {
		t.Fatalf("second incr: count=%d err=%v", count, err)
	}

	counter.nowFn = func() time.Time { return time.Unix(1700000000, 0).Add(61 * time.Second) }
	if count, err := counter.Incr(context.Background(), "k", time.Minute); err != nil || count != 1 {
		t.Fatalf("incr after expiry: count=%d err=%v", count, err)
	}
}
