// Package ratelimit implements a fixed-window limiter shared through Redis so
// every instance sees the same counters.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter allows Limit events per Window for each key.
type Limiter struct {
	redis  *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// New creates a limiter. A non-positive limit disables limiting.
func New(client *redis.Client, prefix string, limit int, window time.Duration) *Limiter {
	if client == nil {
		panic("ratelimit: redis client required")
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{redis: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (l *Limiter) bucketKey(key string) string {
	slot := l.now().UnixNano() / int64(l.window)
	return fmt.Sprintf("ratelimit:%s:%s:%d", l.prefix, key, slot)
}

// Allow counts one event for key and reports whether it is within the limit.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	bucket := l.bucketKey(key)
	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: incr: %w", err)
	}
	return incr.Val() <= int64(l.limit), nil
}
