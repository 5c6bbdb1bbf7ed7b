// Package ratelimit implements the per-link, per-IP sliding window limiter
// for single-node deployments. The Redis-backed equivalent lives in
// internal/cache.
package ratelimit

import (
	"context"
	"errors"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"
)

const (
	// Window is the sliding window length.
	Window = time.Minute

	// DefaultJanitorInterval is how often idle windows are scanned.
	DefaultJanitorInterval = time.Minute

	shardCount = 64
)

// window holds the most recent request timestamps of one (link, IP) pair.
// At most limit timestamps are kept: the decision only depends on whether
// limit of them fall inside the window, and the newest ones are the ones
// that do.
type window struct {
	mu       sync.Mutex
	stamps   []time.Time
	lastSeen time.Time
	evicted  bool
}

type shard struct {
	mu      sync.RWMutex
	windows map[string]*window
}

// Memory is an in-process sliding window rate limiter. Each key has its own
// lock; the key map is sharded so unrelated keys never contend.
type Memory struct {
	shards [shardCount]shard
	seed   maphash.Seed
	now    func() time.Time
	logger *slog.Logger

	janitorInterval time.Duration
	started         bool
	cancel          context.CancelFunc
	done            chan struct{}
	mu              sync.Mutex
}

// NewMemory creates a Memory limiter.
func NewMemory(logger *slog.Logger) *Memory {
	m := &Memory{
		seed:            maphash.MakeSeed(),
		now:             time.Now,
		logger:          logger.With("component", "ratelimit.memory"),
		janitorInterval: DefaultJanitorInterval,
	}
	for i := range m.shards {
		m.shards[i].windows = make(map[string]*window)
	}
	return m
}

// SetClock overrides the time source.
func (m *Memory) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// SetJanitorInterval overrides the eviction scan interval.
func (m *Memory) SetJanitorInterval(interval time.Duration) {
	if interval > 0 {
		m.janitorInterval = interval
	}
}

// Allow reports whether a request for (linkID, ip) fits under limit
// requests per Window, and records it either way. It never returns an
// error; the signature matches the Redis-backed limiter.
func (m *Memory) Allow(_ context.Context, linkID, ip string, limit int64) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	k := key(linkID, ip)

	w := m.window(k, m.now())
	w.mu.Lock()
	for w.evicted {
		w.mu.Unlock()
		w = m.window(k, m.now())
		w.mu.Lock()
	}
	defer w.mu.Unlock()

	// Stamps stay sorted: read the clock under the key lock and never go
	// behind the newest stamp.
	now := m.now()
	if n := len(w.stamps); n > 0 && now.Before(w.stamps[n-1]) {
		now = w.stamps[n-1]
	}

	cutoff := now.Add(-Window)
	drop := 0
	for drop < len(w.stamps) && !w.stamps[drop].After(cutoff) {
		drop++
	}
	w.stamps = w.stamps[drop:]

	allowed := int64(len(w.stamps)) < limit

	if int64(len(w.stamps)) >= limit {
		w.stamps = w.stamps[int64(len(w.stamps))-limit+1:]
	}
	w.stamps = append(w.stamps, now)
	w.lastSeen = now

	return allowed, nil
}

func (m *Memory) window(k string, now time.Time) *window {
	s := &m.shards[maphash.String(m.seed, k)%shardCount]

	s.mu.RLock()
	w, ok := s.windows[k]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[k]; ok {
		return w
	}
	w = &window{lastSeen: now}
	s.windows[k] = w
	return w
}

// Len returns the number of tracked windows.
func (m *Memory) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.windows)
		s.mu.RUnlock()
	}
	return n
}

// Evict drops windows idle for more than twice the window length and
// returns how many were removed.
func (m *Memory) Evict() int {
	cutoff := m.now().Add(-2 * Window)
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, w := range s.windows {
			w.mu.Lock()
			idle := w.lastSeen.Before(cutoff)
			if idle {
				w.evicted = true
			}
			w.mu.Unlock()
			if idle {
				delete(s.windows, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run evicts idle windows until the context is cancelled or Shutdown is
// called.
func (m *Memory) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("rate limiter janitor already started")
	}
	m.started = true
	m.done = make(chan struct{})
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	defer close(m.done)

	ticker := time.NewTicker(m.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := m.Evict(); removed > 0 {
				m.logger.Debug("evicted idle rate windows", "count", removed, "remaining", m.Len())
			}
		}
	}
}

// Shutdown stops the janitor.
func (m *Memory) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func key(linkID, ip string) string {
	return linkID + "\x00" + ip
}
