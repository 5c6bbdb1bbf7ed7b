package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"
)

func newTestServer() *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(http.NotFoundHandler(), Options{Port: 0, ShutdownTimeout: time.Second}, logger)
}

func TestShutdown_LIFOOrder(t *testing.T) {
	s := newTestServer()

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownFunc {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	s.OnShutdown("first", record("first"))
	s.OnShutdown("second", record("second"))
	s.OnShutdown("third", record("third"))

	if err := s.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	want := []string{"third", "second", "first"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestShutdown_CollectsErrors(t *testing.T) {
	s := newTestServer()

	boom := errors.New("boom")
	called := false
	s.OnShutdown("ok", func(context.Context) error { called = true; return nil })
	s.OnShutdown("bad", func(context.Context) error { return boom })

	err := s.shutdown()
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !called {
		t.Error("remaining components must still shut down after an error")
	}
}

func TestGo_StopsBackgroundComponent(t *testing.T) {
	s := newTestServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopped := make(chan struct{})
	s.Go(ctx, "loop", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}, func(context.Context) error {
		cancel()
		return nil
	})

	if err := s.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatal("background component still running after shutdown")
	}
}
