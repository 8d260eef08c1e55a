// Package idempotency implements the at-most-once gate (C2) keyed by
// payout id, backed by an atomic Redis SET NX EX so the claim and its
// expiry attach in a single round-trip.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrSubstrateUnavailable = errors.New("idempotency: redis unreachable")

const retention = 172800 * time.Second // 48h

// Registry is the Idempotency Registry component (C2).
type Registry struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

func key(payoutID string) string {
	return fmt.Sprintf("idem:%s", payoutID)
}

// Claim returns firstSeen=true the first time payoutID is claimed within
// the retention window, and false on every subsequent call for the same
// id until the mark expires.
func (r *Registry) Claim(ctx context.Context, payoutID string) (firstSeen bool, err error) {
	ok, err := r.rdb.SetNX(ctx, key(payoutID), time.Now().UTC().Format(time.RFC3339), retention).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSubstrateUnavailable, err)
	}
	return ok, nil
}

// Seen reports whether payoutID currently holds a claim, without
// attempting to create one.
func (r *Registry) Seen(ctx context.Context, payoutID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key(payoutID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSubstrateUnavailable, err)
	}
	return n > 0, nil
}
