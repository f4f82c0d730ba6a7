package dynacache

import (
	"context"
	"time"
)

// Increment adds delta to the integer stored at key, writes the sum back with
// ttl and returns it. A missing, expired or undecodable entry counts as zero.
//
// The read and the write are separate calls, so concurrent increments of the
// same key can be lost.
func Increment(ctx context.Context, c Cache[int64], key string, delta int64, ttl time.Duration) (int64, error) {
	cur, _, err := c.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n := cur + delta
	if err := c.Set(ctx, key, n, ttl); err != nil {
		return 0, err
	}
	return n, nil
}
