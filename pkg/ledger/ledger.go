// Package ledger implements the per-agent daily budget counter (C1):
// an atomic reserve-or-deny operation backed by Redis, with rollback.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrSubstrateUnavailable = errors.New("ledger: redis unreachable")

const dayTTL = 90000 * time.Second // 25h, per the data model's calendar-day rollover margin

// reserveScript performs the check-and-increment atomically so concurrent
// callers for the same agent never both observe room under the cap.
// KEYS[1] = budget key
// ARGV[1] = amount to reserve
// ARGV[2] = daily cap
// ARGV[3] = key TTL in seconds
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key))
if not current then
    current = 0
end

if current + amount > cap then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, amount)
if redis.call("TTL", key) == -1 then
    redis.call("EXPIRE", key, ttl)
end
return {1, newVal}
`)

// Ledger is the Budget Ledger component (C1).
type Ledger struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb}
}

func budgetKey(agentID string, day time.Time) string {
	return fmt.Sprintf("budget:%s:%s", agentID, day.UTC().Format("20060102"))
}

// Reserve attempts to atomically add amount to today's counter for
// agentID without exceeding dailyCap. ok is false when the cap would be
// exceeded; err is non-nil only on substrate failure, in which case the
// caller must treat the reservation as failed (fail closed).
func (l *Ledger) Reserve(ctx context.Context, agentID string, amountMinor, dailyCapMinor int64) (ok bool, err error) {
	key := budgetKey(agentID, time.Now())
	res, err := reserveScript.Run(ctx, l.rdb, []string{key}, amountMinor, dailyCapMinor, int64(dayTTL.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSubstrateUnavailable, err)
	}
	results, good := res.([]interface{})
	if !good || len(results) != 2 {
		return false, fmt.Errorf("ledger: unexpected reserve script reply %#v", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Rollback decrements today's counter by amount. It must only be called
// by the same logical cycle that successfully reserved that amount.
func (l *Ledger) Rollback(ctx context.Context, agentID string, amountMinor int64) error {
	key := budgetKey(agentID, time.Now())
	if err := l.rdb.DecrBy(ctx, key, amountMinor).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSubstrateUnavailable, err)
	}
	return nil
}

// Current returns today's reserved total for agentID, 0 if absent.
func (l *Ledger) Current(ctx context.Context, agentID string) (int64, error) {
	key := budgetKey(agentID, time.Now())
	val, err := l.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSubstrateUnavailable, err)
	}
	return val, nil
}
