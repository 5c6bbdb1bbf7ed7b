// Package quota tracks lifetime click quotas per link in process memory.
// The Redis-backed tracker shared between nodes lives in internal/cache.
package quota

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is an in-process quota tracker. Each link has its own counter and
// increments use compare-and-swap, so the count never exceeds the limit.
type Memory struct {
	counters sync.Map // linkID -> *atomic.Int64
}

// NewMemory creates a Memory tracker.
func NewMemory() *Memory {
	return &Memory{}
}

// TryConsume increments the link's counter if it is below maxClicks and
// reports whether it did.
func (m *Memory) TryConsume(_ context.Context, linkID string, maxClicks int64) (bool, error) {
	if maxClicks <= 0 {
		return false, nil
	}
	c := m.counter(linkID)
	for {
		cur := c.Load()
		if cur >= maxClicks {
			return false, nil
		}
		if c.CompareAndSwap(cur, cur+1) {
			return true, nil
		}
	}
}

// Used returns the number of consumed clicks for a link.
func (m *Memory) Used(_ context.Context, linkID string) (int64, error) {
	v, ok := m.counters.Load(linkID)
	if !ok {
		return 0, nil
	}
	return v.(*atomic.Int64).Load(), nil
}

// Reset clears a link's counter.
func (m *Memory) Reset(_ context.Context, linkID string) error {
	m.counters.Delete(linkID)
	return nil
}

func (m *Memory) counter(linkID string) *atomic.Int64 {
	if v, ok := m.counters.Load(linkID); ok {
		return v.(*atomic.Int64)
	}
	v, _ := m.counters.LoadOrStore(linkID, new(atomic.Int64))
	return v.(*atomic.Int64)
}
