// Package service resolves link configurations for the redirect path.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/penshort/cloak/internal/cache"
	"github.com/penshort/cloak/internal/metrics"
	"github.com/penshort/cloak/internal/model"
	"github.com/penshort/cloak/internal/repository"
)

// ErrLinkNotFound is returned when no configuration exists for a link id.
var ErrLinkNotFound = errors.New("link not found")

// Resolver looks up the configuration of a link.
type Resolver interface {
	Resolve(ctx context.Context, linkID string) (*model.LinkConfig, error)
}

// ConfigStore is the durable source of link configurations.
type ConfigStore interface {
	GetLinkConfig(ctx context.Context, id string) (*model.LinkConfig, error)
}

// ConfigCache is the read-through cache in front of a ConfigStore.
type ConfigCache interface {
	GetLinkConfig(ctx context.Context, linkID string) (*model.CachedLinkConfig, error)
	SetLinkConfig(ctx context.Context, cfg *model.LinkConfig) error
	DeleteLinkConfig(ctx context.Context, linkID string) error
	IsNegativelyCached(ctx context.Context, linkID string) (bool, error)
	SetNegativeCache(ctx context.Context, linkID string) error
}

// LinkConfigService resolves configs cache-first with a negative cache
// for unknown ids. A nil cache reads the store directly.
type LinkConfigService struct {
	store   ConfigStore
	cache   ConfigCache
	logger  *slog.Logger
	metrics metrics.Recorder
}

// NewLinkConfigService creates a new LinkConfigService.
func NewLinkConfigService(store ConfigStore, c ConfigCache, logger *slog.Logger, recorder metrics.Recorder) *LinkConfigService {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkConfigService{
		store:   store,
		cache:   c,
		logger:  logger.With("component", "link_config"),
		metrics: recorder,
	}
}

// Resolve returns the configuration for linkID.
// Cache faults fall through to the store and are never returned.
func (s *LinkConfigService) Resolve(ctx context.Context, linkID string) (*model.LinkConfig, error) {
	if s.cache != nil {
		cached, err := s.cache.GetLinkConfig(ctx, linkID)
		switch {
		case err == nil:
			s.metrics.IncLinkCacheHit()
			return cached.ToLinkConfig(linkID), nil
		case errors.Is(err, cache.ErrCacheMiss):
			s.metrics.IncLinkCacheMiss()
			negative, negErr := s.cache.IsNegativelyCached(ctx, linkID)
			if negErr == nil && negative {
				return nil, ErrLinkNotFound
			}
		default:
			s.metrics.IncLinkCacheMiss()
			s.logger.Warn("link config cache read failed", "link_id", linkID, "error", err)
		}
	}

	cfg, err := s.store.GetLinkConfig(ctx, linkID)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			if s.cache != nil {
				_ = s.cache.SetNegativeCache(ctx, linkID)
			}
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("load link config: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetLinkConfig(ctx, cfg); err != nil {
			s.logger.Warn("link config cache backfill failed", "link_id", linkID, "error", err)
		}
	}

	return cfg, nil
}

// Invalidate drops the cached copy of a link so the next Resolve
// reloads it from the store.
func (s *LinkConfigService) Invalidate(ctx context.Context, linkID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.DeleteLinkConfig(ctx, linkID)
}

// StaticResolver serves configs from memory.
type StaticResolver struct {
	mu      sync.RWMutex
	configs map[string]*model.LinkConfig
}

// NewStaticResolver creates a StaticResolver holding cfgs.
func NewStaticResolver(cfgs ...*model.LinkConfig) *StaticResolver {
	r := &StaticResolver{configs: make(map[string]*model.LinkConfig, len(cfgs))}
	for _, cfg := range cfgs {
		r.configs[cfg.ID] = cfg
	}
	return r
}

// Put adds or replaces a config.
func (r *StaticResolver) Put(cfg *model.LinkConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ID] = cfg
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, linkID string) (*model.LinkConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[linkID]
	if !ok {
		return nil, ErrLinkNotFound
	}
	return cfg, nil
}
