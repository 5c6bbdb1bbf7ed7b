package analytics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/penshort/cloak/internal/metrics"
	"github.com/penshort/cloak/internal/model"
)

const (
	// DefaultQueueSize is the capacity of the in-process event queue.
	DefaultQueueSize = 10000

	// DefaultRecorderBatchSize is the max events handed to a sink at once.
	DefaultRecorderBatchSize = 100

	// DefaultFlushInterval bounds how long a partial batch waits.
	DefaultFlushInterval = time.Second

	// DefaultDrainWorkers is the number of goroutines writing to the sink.
	DefaultDrainWorkers = 2

	// DefaultWriteTimeout bounds one sink write attempt.
	DefaultWriteTimeout = 5 * time.Second

	// DefaultMaxRetries is the number of sink write attempts per batch.
	DefaultMaxRetries = 3

	dropLogInterval = 10 * time.Second
)

// ErrRecorderClosed is returned by Record after Shutdown.
var ErrRecorderClosed = errors.New("analytics recorder closed")

// Sink persists batches of click events.
type Sink interface {
	Write(ctx context.Context, events []*model.ClickEvent) error
	Name() string
}

// RecorderOptions tunes a Recorder. Zero values take the defaults.
type RecorderOptions struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Workers       int
	MaxRetries    int
	WriteTimeout  time.Duration
	// RetryBackoff is the first retry delay; it doubles on each attempt.
	RetryBackoff time.Duration
}

func (o *RecorderOptions) withDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultRecorderBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.Workers <= 0 {
		o.Workers = DefaultDrainWorkers
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
}

// Recorder accepts click events without blocking and writes them to a
// Sink from a fixed pool of background workers. When the queue is full
// the event is dropped, counted and logged.
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	metrics metrics.Recorder
	opts    RecorderOptions

	queue   chan *model.ClickEvent
	dropped atomic.Int64
	dropLog rate.Sometimes

	mu      sync.RWMutex
	started bool
	closed  bool
	abort   chan struct{}
	wg      sync.WaitGroup
}

// NewRecorder creates a Recorder. Call Start to launch the workers.
func NewRecorder(sink Sink, logger *slog.Logger, recorder metrics.Recorder, opts RecorderOptions) *Recorder {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	opts.withDefaults()
	return &Recorder{
		sink:    sink,
		logger:  logger.With("component", "analytics.recorder", "sink", sink.Name()),
		metrics: recorder,
		opts:    opts,
		queue:   make(chan *model.ClickEvent, opts.QueueSize),
		dropLog: rate.Sometimes{First: 1, Interval: dropLogInterval},
		abort:   make(chan struct{}),
	}
}

// Start launches the drain workers. Subsequent calls do nothing.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.drain()
	}
	r.logger.Info("analytics recorder started",
		"workers", r.opts.Workers,
		"queue_size", r.opts.QueueSize,
		"batch_size", r.opts.BatchSize,
	)
}

// Record enqueues an event. It never blocks; a full queue drops the event.
func (r *Recorder) Record(event *model.ClickEvent) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.IncAnalyticsEventRecorded("dropped")
		return ErrRecorderClosed
	}

	select {
	case r.queue <- event:
		r.metrics.IncAnalyticsEventRecorded("queued")
		return nil
	default:
	}

	total := r.dropped.Add(1)
	r.metrics.IncAnalyticsEventRecorded("dropped")
	r.dropLog.Do(func() {
		r.logger.Warn("analytics_event_dropped",
			"reason", "queue_full",
			"link_id", event.LinkID,
			"event_id", event.EventID,
			"dropped_total", total,
		)
	})
	return nil
}

// Dropped returns how many events were dropped because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Pending returns the number of queued events.
func (r *Recorder) Pending() int {
	return len(r.queue)
}

// Shutdown stops accepting events and waits for the queue to drain.
// It implements server.ShutdownFunc.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	close(r.queue)
	r.mu.Unlock()

	if !started {
		if n := len(r.queue); n > 0 {
			r.logger.Warn("analytics recorder closed before start", "discarded", n)
		}
		return nil
	}

	r.logger.Info("analytics recorder draining", "pending", len(r.queue))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("analytics recorder shutdown complete", "dropped_total", r.dropped.Load())
		return nil
	case <-ctx.Done():
		close(r.abort)
		r.logger.Warn("analytics recorder shutdown timed out", "pending", len(r.queue))
		return ctx.Err()
	}
}

func (r *Recorder) drain() {
	defer r.wg.Done()

	batch := make([]*model.ClickEvent, 0, r.opts.BatchSize)
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.writeWithRetry(batch)
		batch = make([]*model.ClickEvent, 0, r.opts.BatchSize)
	}

	for {
		select {
		case event, ok := <-r.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= r.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// writeWithRetry writes a batch with exponential backoff. A batch that
// still fails is logged and counted, never silently lost.
func (r *Recorder) writeWithRetry(events []*model.ClickEvent) {
	start := time.Now()
	backoff := r.opts.RetryBackoff

	var lastErr error
retry:
	for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		lastErr = r.sink.Write(ctx, events)
		cancel()

		if lastErr == nil {
			for range events {
				r.metrics.IncAnalyticsEventPublished("success")
			}
			r.logger.Debug("analytics batch written",
				"events_count", len(events),
				"attempts", attempt,
				"duration_ms", float64(time.Since(start).Microseconds())/1000,
			)
			return
		}

		if attempt == r.opts.MaxRetries {
			break
		}
		r.logger.Warn("analytics batch write failed, retrying",
			"attempt", attempt,
			"backoff_ms", backoff.Milliseconds(),
			"batch_size", len(events),
			"error", lastErr,
		)
		timer := time.NewTimer(backoff)
		select {
		case <-r.abort:
			timer.Stop()
			break retry
		case <-timer.C:
		}
		backoff *= 2
	}

	for range events {
		r.metrics.IncAnalyticsEventPublished("failed")
	}
	r.logger.Error("analytics batch lost after retries",
		"batch_size", len(events),
		"first_event_id", events[0].EventID,
		"error", lastErr,
	)
}
