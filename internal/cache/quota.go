package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// quotaKeyPrefix is the Redis key prefix for lifetime click quotas.
const quotaKeyPrefix = "quota:"

// tryConsumeScript increments the counter only while it is below the max.
var tryConsumeScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	local max = tonumber(ARGV[1])
	if current >= max then
		return 0
	end
	redis.call('INCR', KEYS[1])
	return 1
`)

// TryConsumeQuota atomically takes one click from the link's quota.
func (c *Cache) TryConsumeQuota(ctx context.Context, linkID string, maxClicks int64) (bool, error) {
	if maxClicks <= 0 {
		return false, nil
	}
	ok, err := tryConsumeScript.Run(ctx, c.client, []string{quotaKeyPrefix + linkID}, maxClicks).Int64()
	if err != nil {
		return false, fmt.Errorf("quota script: %w", err)
	}
	return ok == 1, nil
}

// QuotaUsed returns the clicks consumed so far.
func (c *Cache) QuotaUsed(ctx context.Context, linkID string) (int64, error) {
	n, err := c.client.Get(ctx, quotaKeyPrefix+linkID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get quota: %w", err)
	}
	return n, nil
}

// ResetQuota clears the link's counter.
func (c *Cache) ResetQuota(ctx context.Context, linkID string) error {
	if err := c.client.Del(ctx, quotaKeyPrefix+linkID).Err(); err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	return nil
}

// QuotaTracker adapts the shared counters to the engine's quota tracker.
type QuotaTracker struct {
	cache *Cache
}

// QuotaTracker returns the Redis-backed quota tracker.
func (c *Cache) QuotaTracker() *QuotaTracker {
	return &QuotaTracker{cache: c}
}

// TryConsume implements the engine quota tracker.
func (q *QuotaTracker) TryConsume(ctx context.Context, linkID string, maxClicks int64) (bool, error) {
	return q.cache.TryConsumeQuota(ctx, linkID, maxClicks)
}

// Used returns the clicks consumed so far.
func (q *QuotaTracker) Used(ctx context.Context, linkID string) (int64, error) {
	return q.cache.QuotaUsed(ctx, linkID)
}

// Reset clears the link's counter.
func (q *QuotaTracker) Reset(ctx context.Context, linkID string) error {
	return q.cache.ResetQuota(ctx, linkID)
}
