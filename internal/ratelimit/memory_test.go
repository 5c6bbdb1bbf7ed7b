package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(clock *fakeClock) *Memory {
	m := NewMemory(slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.SetClock(clock.Now)
	return m
}

func TestMemory_SecondRequestWithinSecondDenied(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := newTestLimiter(clock)
	ctx := context.Background()

	if ok, _ := m.Allow(ctx, "link-1", "198.51.100.1", 1); !ok {
		t.Fatal("first request should be allowed")
	}
	clock.Advance(500 * time.Millisecond)
	if ok, _ := m.Allow(ctx, "link-1", "198.51.100.1", 1); ok {
		t.Fatal("second request within the window should be denied")
	}
}

func TestMemory_SlidingWindow(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := newTestLimiter(clock)
	ctx := context.Background()

	// Denied requests are recorded too, so a client that keeps retrying
	// stays limited until it goes quiet for a full window.
	steps := []struct {
		advance time.Duration
		want    bool
	}{
		{0, true},                 // t=0s
		{10 * time.Second, true},  // t=10s
		{10 * time.Second, false}, // t=20s: 0s and 10s in window
		{30 * time.Second, false}, // t=50s: 10s and 20s in window
		{11 * time.Second, false}, // t=61s: 20s and 50s in window
		{10 * time.Second, false}, // t=71s: 50s and 61s in window
	}

	for i, step := range steps {
		clock.Advance(step.advance)
		got, err := m.Allow(ctx, "link", "ip", 2)
		if err != nil {
			t.Fatalf("step %d: unexpected error %v", i, err)
		}
		if got != step.want {
			t.Fatalf("step %d: Allow() = %v, want %v", i, got, step.want)
		}
	}

	// After a full quiet window the pair is allowed again.
	clock.Advance(Window + time.Second)
	if ok, _ := m.Allow(ctx, "link", "ip", 2); !ok {
		t.Fatal("expected allow after a quiet window")
	}
}

func TestMemory_ClockStepBackKeepsNewestStamps(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := newTestLimiter(clock)
	ctx := context.Background()
	const link, ip = "link-1", "198.51.100.7"

	clock.Advance(30 * time.Second)
	m.Allow(ctx, link, ip, 2)
	clock.Advance(-30 * time.Second)
	m.Allow(ctx, link, ip, 2)
	clock.Advance(40 * time.Second)
	if ok, _ := m.Allow(ctx, link, ip, 2); ok {
		t.Fatal("third request inside the window should be denied")
	}

	// Requests recorded at +30s and +40s are both still inside the window.
	clock.Advance(40 * time.Second)
	if ok, _ := m.Allow(ctx, link, ip, 2); ok {
		t.Fatal("request at +80s should be denied: two requests in the last 60s")
	}
}

func TestMemory_KeysIndependent(t *testing.T) {
	t.Parallel()

	m := newTestLimiter(newFakeClock())
	ctx := context.Background()

	if ok, _ := m.Allow(ctx, "a", "ip-1", 1); !ok {
		t.Fatal("a/ip-1 should be allowed")
	}
	if ok, _ := m.Allow(ctx, "a", "ip-2", 1); !ok {
		t.Fatal("a/ip-2 should be allowed")
	}
	if ok, _ := m.Allow(ctx, "b", "ip-1", 1); !ok {
		t.Fatal("b/ip-1 should be allowed")
	}
	if ok, _ := m.Allow(ctx, "a", "ip-1", 1); ok {
		t.Fatal("a/ip-1 repeat should be denied")
	}
}

func TestMemory_ConcurrentAtMostLimit(t *testing.T) {
	t.Parallel()

	m := newTestLimiter(newFakeClock())
	ctx := context.Background()

	const (
		limit   = 25
		workers = 16
		perW    = 20
	)

	var passed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perW; j++ {
				if ok, _ := m.Allow(ctx, "link", "203.0.113.5", limit); ok {
					passed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := passed.Load(); got != limit {
		t.Fatalf("passed = %d, want exactly %d", got, limit)
	}
}

func TestMemory_Evict(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := newTestLimiter(clock)
	ctx := context.Background()

	m.Allow(ctx, "link", "old", 5)
	clock.Advance(90 * time.Second)
	m.Allow(ctx, "link", "recent", 5)
	clock.Advance(40 * time.Second)

	if removed := m.Evict(); removed != 1 {
		t.Fatalf("Evict() = %d, want 1", removed)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}

	// An evicted key starts fresh.
	if ok, _ := m.Allow(ctx, "link", "old", 1); !ok {
		t.Fatal("evicted key should be allowed")
	}
}

func TestMemory_RunAndShutdown(t *testing.T) {
	t.Parallel()

	m := newTestLimiter(newFakeClock())
	m.SetJanitorInterval(10 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(context.Background()) }()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
