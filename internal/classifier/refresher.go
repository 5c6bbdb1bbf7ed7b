package classifier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshInterval is how often tables are reloaded.
const DefaultRefreshInterval = 5 * time.Minute

// Refresher periodically reloads classifier tables from a Source.
// A failed load keeps the previous tables in place.
type Refresher struct {
	classifier *Classifier
	source     Source
	interval   time.Duration
	logger     *slog.Logger

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
}

// NewRefresher creates a Refresher.
func NewRefresher(c *Classifier, source Source, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Refresher{
		classifier: c,
		source:     source,
		interval:   interval,
		logger:     logger.With("component", "classifier.refresher", "source", source.Name()),
	}
}

// Refresh loads tables once and installs them.
func (r *Refresher) Refresh(ctx context.Context) error {
	start := time.Now()
	tables, err := r.source.Load(ctx)
	if err != nil {
		return err
	}
	r.classifier.Store(tables)
	r.logger.Info("classifier_tables_loaded",
		"hosting_ranges", tables.Hosting.Len(),
		"hosting_available", tables.Hosting != nil,
		"bot_tokens", len(tables.BotTokens),
		"browser_signatures", len(tables.BrowserSignatures),
		"duration_ms", float64(time.Since(start).Microseconds())/1000,
	)
	return nil
}

// Run loads immediately, then on every interval. Blocks until the context
// is cancelled or Shutdown is called.
func (r *Refresher) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("refresher already started")
	}
	r.started = true
	r.done = make(chan struct{})
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	defer close(r.done)

	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("classifier refresh failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("classifier refresh failed, keeping previous tables", "error", err)
			}
		}
	}
}

// Shutdown stops the refresh loop.
func (r *Refresher) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
