package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ErrRateLimited is returned when a key exceeded its per-minute request allowance.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	keyPrefix = "gateway:rl:"
	windowTTL = 2 * time.Minute
)

// Limiter enforces a fixed one-minute request window per key in Redis.
// A nil client or a non-positive limit disables limiting.
type Limiter struct {
	rdb   *redis.Client
	limit int
	now   func() time.Time
}

// New constructs a Limiter allowing limit requests per minute.
func New(rdb *redis.Client, limit int) *Limiter {
	return &Limiter{rdb: rdb, limit: limit, now: time.Now}
}

// Enabled reports whether the limiter enforces anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.rdb != nil && l.limit > 0
}

// Allow counts one request for key and returns ErrRateLimited when over the limit.
// Redis failures are logged and the request is allowed.
func (l *Limiter) Allow(ctx context.Context, key string) error {
	if !l.Enabled() {
		return nil
	}
	window := l.now().UTC().Unix() / 60
	redisKey := fmt.Sprintf("%s%s:%d", keyPrefix, key, window)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, windowTTL)
	if _, errExec := pipe.Exec(ctx); errExec != nil {
		log.WithError(errExec).WithField("key", key).Warn("ratelimit: redis unavailable, allowing request")
		return nil
	}
	if incr.Val() > int64(l.limit) {
		return ErrRateLimited
	}
	return nil
}

// Remaining returns how many requests key may still issue in the current window.
func (l *Limiter) Remaining(ctx context.Context, key string) int {
	if !l.Enabled() {
		return -1
	}
	window := l.now().UTC().Unix() / 60
	used, errGet := l.rdb.Get(ctx, fmt.Sprintf("%s%s:%d", keyPrefix, key, window)).Int()
	if errGet != nil {
		return l.limit
	}
	if used >= l.limit {
		return 0
	}
	return l.limit - used
}
