package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// rateWindowPrefix is the Redis key prefix for per link/IP windows.
	rateWindowPrefix = "ratelimit:window:"

	// RateWindow is the sliding window length.
	RateWindow = time.Minute
)

// slidingWindowScript trims the window, counts what is left, then records
// the current request whether or not it is allowed. Only the newest
// limit entries are kept since older ones cannot change the outcome.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])     -- milliseconds
	local window = tonumber(ARGV[2])  -- milliseconds
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local count = redis.call('ZCARD', key)

	local allowed = 0
	if count < limit then
		allowed = 1
	end

	redis.call('ZADD', key, now, member)
	if count + 1 > limit then
		redis.call('ZREMRANGEBYRANK', key, 0, count - limit)
	end
	redis.call('PEXPIRE', key, window * 2)

	return {allowed, count}
`)

// AllowWindow checks and records a request for (linkID, ip) against limit
// requests per RateWindow. The IP is hashed so raw addresses never reach
// Redis keys.
func (c *Cache) AllowWindow(ctx context.Context, linkID, ip string, limit int64) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	now := c.now()
	key := rateWindowPrefix + linkID + ":" + hashIP(ip)
	member := fmt.Sprintf("%d-%s", now.UnixMilli(), ulid.Make().String())

	result, err := slidingWindowScript.Run(ctx, c.client,
		[]string{key},
		now.UnixMilli(), RateWindow.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("sliding window script: %w", err)
	}

	return result[0] == 1, nil
}

// RateLimiter adapts the shared sliding window to the engine's limiter.
type RateLimiter struct {
	cache *Cache
}

// RateLimiter returns the Redis-backed rate limiter.
func (c *Cache) RateLimiter() *RateLimiter {
	return &RateLimiter{cache: c}
}

// Allow implements the engine rate limiter.
func (r *RateLimiter) Allow(ctx context.Context, linkID, ip string, limit int64) (bool, error) {
	return r.cache.AllowWindow(ctx, linkID, ip, limit)
}

// hashIP creates a truncated SHA256 hash of an IP address.
// This provides privacy while maintaining uniqueness.
func hashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(hash[:8]) // 16 hex chars
}
