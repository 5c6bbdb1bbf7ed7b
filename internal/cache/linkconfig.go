package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/penshort/cloak/internal/model"
)

// Cache key prefixes and TTLs.
const (
	linkConfigKeyPrefix = "linkcfg:"
	negCacheKeySuffix   = ":neg"

	// DefaultLinkTTL is the TTL for cached link configurations.
	DefaultLinkTTL = 10 * time.Minute

	// NegativeCacheTTL is the TTL for negative cache entries.
	NegativeCacheTTL = time.Minute
)

// Common cache errors.
var (
	ErrCacheMiss = errors.New("cache miss")
)

// GetLinkConfig retrieves a link configuration by id.
// Returns ErrCacheMiss if not found.
func (c *Cache) GetLinkConfig(ctx context.Context, linkID string) (*model.CachedLinkConfig, error) {
	cmd := c.client.HGetAll(ctx, linkConfigKeyPrefix+linkID)
	result, err := cmd.Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(result) == 0 {
		return nil, ErrCacheMiss
	}

	var cached model.CachedLinkConfig
	if err := cmd.Scan(&cached); err != nil {
		return nil, fmt.Errorf("scan cached link config: %w", err)
	}
	return &cached, nil
}

// SetLinkConfig stores a link configuration and clears any negative entry.
func (c *Cache) SetLinkConfig(ctx context.Context, cfg *model.LinkConfig) error {
	key := linkConfigKeyPrefix + cfg.ID

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, cfg.ToCachedLinkConfig())
	pipe.Expire(ctx, key, c.linkTTL)
	pipe.Del(ctx, key+negCacheKeySuffix)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache link config: %w", err)
	}
	return nil
}

// DeleteLinkConfig removes a link configuration from cache. The
// link-management side calls this after every edit.
func (c *Cache) DeleteLinkConfig(ctx context.Context, linkID string) error {
	key := linkConfigKeyPrefix + linkID
	if err := c.client.Del(ctx, key, key+negCacheKeySuffix).Err(); err != nil {
		return fmt.Errorf("failed to delete link config from cache: %w", err)
	}
	return nil
}

// IsNegativelyCached checks if a link id is in the negative cache.
func (c *Cache) IsNegativelyCached(ctx context.Context, linkID string) (bool, error) {
	exists, err := c.client.Exists(ctx, linkConfigKeyPrefix+linkID+negCacheKeySuffix).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check negative cache: %w", err)
	}
	return exists > 0, nil
}

// SetNegativeCache marks a link id as not found.
func (c *Cache) SetNegativeCache(ctx context.Context, linkID string) error {
	err := c.client.SetEx(ctx, linkConfigKeyPrefix+linkID+negCacheKeySuffix, "", NegativeCacheTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set negative cache: %w", err)
	}
	return nil
}
