package alerting

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedup keeps dedup counters and the per-tenant rate-limit index in
// Redis. Counters are plain INCR keys with a TTL; the rate-limit index is a
// per-tenant sorted set scored by trigger time in unix milliseconds, so
// CountRecent is a single ZCOUNT.
type RedisDedup struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisDedup wraps a Redis client. prefix namespaces all keys; empty
// defaults to "driftwatch".
func NewRedisDedup(client redis.UniversalClient, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = "driftwatch"
	}
	return &RedisDedup{client: client, prefix: prefix, now: time.Now}
}

func (d *RedisDedup) dedupKey(key string) string {
	return d.prefix + ":dedup:" + key
}

func (d *RedisDedup) tenantKey(tenantID string) string {
	return d.prefix + ":ratelimit:" + tenantID
}

func (d *RedisDedup) Touch(ctx context.Context, key, tenantID, alertID string, ttl time.Duration) (bool, int, error) {
	full := d.dedupKey(key)
	n, err := d.client.Incr(ctx, full).Result()
	if err != nil {
		return false, 0, fmt.Errorf("alerting: redis incr: %w", err)
	}
	if n > 1 {
		return true, int(n), nil
	}

	// First hit under this key: arm the TTL and index the trigger for the
	// tenant's rolling rate limit.
	pipe := d.client.Pipeline()
	pipe.Expire(ctx, full, ttl)
	tk := d.tenantKey(tenantID)
	pipe.ZAdd(ctx, tk, redis.Z{
		Score:  float64(d.now().UnixMilli()),
		Member: alertID,
	})
	pipe.Expire(ctx, tk, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 1, fmt.Errorf("alerting: redis pipeline: %w", err)
	}
	return false, 1, nil
}

func (d *RedisDedup) CountRecent(ctx context.Context, tenantID string, since time.Time) (int, error) {
	n, err := d.client.ZCount(ctx, d.tenantKey(tenantID),
		strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("alerting: redis zcount: %w", err)
	}
	return int(n), nil
}

// Cleanup trims rate-limit entries older than the rolling window; dedup
// counters expire on their own TTL.
func (d *RedisDedup) Cleanup(ctx context.Context) (int64, error) {
	cutoff := strconv.FormatInt(d.now().Add(-2*time.Minute).UnixMilli(), 10)
	var removed int64
	iter := d.client.Scan(ctx, 0, d.prefix+":ratelimit:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := d.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", "("+cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("alerting: redis zremrangebyscore: %w", err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("alerting: redis scan: %w", err)
	}
	return removed, nil
}
