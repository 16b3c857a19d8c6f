package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limit int) (*miniredis.Miniredis, *Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, New(rdb, limit)
}

func TestAllowEnforcesWindow(t *testing.T) {
	_, limiter := newTestLimiter(t, 2)
	base := time.Date(2025, 1, 1, 12, 0, 10, 0, time.UTC)
	limiter.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if errAllow := limiter.Allow(ctx, "key-1"); errAllow != nil {
			t.Fatalf("request %d: unexpected error %v", i, errAllow)
		}
	}
	if errAllow := limiter.Allow(ctx, "key-1"); !errors.Is(errAllow, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", errAllow)
	}
	if errAllow := limiter.Allow(ctx, "key-2"); errAllow != nil {
		t.Fatalf("other key should be independent, got %v", errAllow)
	}
	if remaining := limiter.Remaining(ctx, "key-1"); remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}

	limiter.now = func() time.Time { return base.Add(time.Minute) }
	if errAllow := limiter.Allow(ctx, "key-1"); errAllow != nil {
		t.Fatalf("next window should allow, got %v", errAllow)
	}
}

func TestAllowFailsOpen(t *testing.T) {
	mr, limiter := newTestLimiter(t, 1)
	mr.Close()
	for i := 0; i < 3; i++ {
		if errAllow := limiter.Allow(context.Background(), "key"); errAllow != nil {
			t.Fatalf("expected fail-open, got %v", errAllow)
		}
	}
}

func TestDisabledLimiter(t *testing.T) {
	var nilLimiter *Limiter
	if nilLimiter.Enabled() {
		t.Fatalf("nil limiter must be disabled")
	}
	if errAllow := New(nil, 10).Allow(context.Background(), "key"); errAllow != nil {
		t.Fatalf("nil redis must allow, got %v", errAllow)
	}
	_, zero := newTestLimiter(t, 0)
	if zero.Enabled() {
		t.Fatalf("zero limit must be disabled")
	}
}
