package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RateLimiter counts requests per key in fixed windows. Each window is its
// own Redis key, so counters expire on their own and instances share them.
// When Redis cannot answer the request is denied.
type RateLimiter struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewRateLimiter(client redis.Cmdable) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

// CheckLimit records one request for key and reports whether it fits in the
// current window, together with the time the window ends.
func (rl *RateLimiter) CheckLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time) {
	now := rl.now()
	windowStart := now.Truncate(window)
	resetAt = windowStart.Add(window)
	fullKey := fmt.Sprintf("ratelimit:%s:%d", key, windowStart.Unix())

	var count *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Incr(ctx, fullKey)
		pipe.Expire(ctx, fullKey, resetAt.Sub(now)+time.Second)
		return nil
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("rate limit check failed, denying request")
		return false, now.Add(window)
	}

	return count.Val() <= int64(limit), resetAt
}
