package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowLimiter bounds how many intents one agent can submit
// within a fixed time window (the count starts again at each window
// boundary), ahead of any budget reservation — cheap
// protection against a misbehaving agent hammering the pipeline.
type slidingWindowLimiter struct {
	rdb    *redis.Client
	max    int
	window time.Duration
}

func newSlidingWindowLimiter(rdb *redis.Client, max int, window time.Duration) *slidingWindowLimiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &slidingWindowLimiter{rdb: rdb, max: max, window: window}
}

// Allow increments the agent's fixed-window request counter and
// reports whether the new total is within the configured max.
func (l *slidingWindowLimiter) Allow(ctx context.Context, agentID string) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%d", agentID, time.Now().Unix()/int64(l.window.Seconds()))

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("governance: rate limit incr: %w", err)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			return false, fmt.Errorf("governance: rate limit expire: %w", err)
		}
	}
	return int(count) <= l.max, nil
}
