package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/penshort/cloak/internal/metrics"
	"github.com/penshort/cloak/internal/model"
)

// ConsumerGroup is the consumer group that drains StreamKey.
const ConsumerGroup = "click_ingest"

// Worker defaults.
const (
	DefaultIngestBatchSize = 500
	DefaultBlockTimeout    = 5 * time.Second
	DefaultIngestRetries   = 3
	DefaultClaimInterval   = 10 * time.Second
	DefaultClaimIdle       = 30 * time.Second
	DefaultDepthInterval   = 5 * time.Second
	DefaultIngestBackoff   = 2 * time.Second

	errorPause       = time.Second
	deadLetterMaxLen = 10000
)

// Dead-letter reasons.
const (
	reasonNoPayload = "missing_payload"
	reasonDecode    = "decode_error"
	reasonInvalid   = "invalid_event"
)

// WorkerOptions tunes a Worker. Zero values take the defaults above.
type WorkerOptions struct {
	ConsumerID    string
	BatchSize     int
	BlockTimeout  time.Duration
	MaxRetries    int
	ClaimInterval time.Duration
	ClaimIdle     time.Duration
	DepthInterval time.Duration
	RetryBackoff  time.Duration
}

func (o *WorkerOptions) withDefaults() {
	if o.ConsumerID == "" {
		o.ConsumerID = NewConsumerID()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultIngestBatchSize
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = DefaultBlockTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultIngestRetries
	}
	if o.ClaimInterval <= 0 {
		o.ClaimInterval = DefaultClaimInterval
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = DefaultClaimIdle
	}
	if o.DepthInterval <= 0 {
		o.DepthInterval = DefaultDepthInterval
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultIngestBackoff
	}
}

// Worker drains click events from the Redis stream into Postgres.
// A message is acked only after its event is stored; stores are
// idempotent by event id, so a redelivered click is counted once.
type Worker struct {
	redis   *redis.Client
	repo    Repository
	logger  *slog.Logger
	metrics metrics.Recorder
	opts    WorkerOptions

	// Owned by the Run goroutine.
	claimCursor string
	nextClaim   time.Time
	nextDepth   time.Time

	mu       sync.Mutex
	started  bool
	stopping bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWorker returns a stream ingest worker. It does nothing until Run.
func NewWorker(client *redis.Client, repo Repository, logger *slog.Logger, recorder metrics.Recorder, opts WorkerOptions) *Worker {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	opts.withDefaults()
	return &Worker{
		redis:       client,
		repo:        repo,
		logger:      logger.With("component", "analytics.worker", "consumer_id", opts.ConsumerID),
		metrics:     recorder,
		opts:        opts,
		claimCursor: "0-0",
	}
}

// Run consumes the stream until ctx is done or Shutdown is called.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("analytics worker already running")
	}
	w.started = true
	w.done = make(chan struct{})
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()
	defer close(w.done)

	if err := w.ensureGroup(ctx); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	w.logger.Info("click_ingest_started", "stream", StreamKey, "group", ConsumerGroup)

	for {
		if w.isStopping() || ctx.Err() != nil {
			w.logger.Info("click_ingest_stopped")
			return nil
		}
		err := w.step(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		w.logger.Error("click_ingest_error", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(errorPause):
		}
	}
}

// Shutdown stops intake and waits for the in-flight batch.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.stopping = true
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.logger.Warn("click_ingest_shutdown_timeout")
		return ctx.Err()
	}
}

func (w *Worker) isStopping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopping
}

func (w *Worker) ensureGroup(ctx context.Context) error {
	err := w.redis.XGroupCreateMkStream(ctx, StreamKey, ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// step handles one batch: reclaimed pending messages first, otherwise
// new ones.
func (w *Worker) step(ctx context.Context) error {
	w.reportDepth(ctx)

	msgs, err := w.reclaim(ctx)
	if err != nil {
		w.logger.Warn("click_ingest_reclaim_failed", "error", err)
	}
	if len(msgs) == 0 {
		if msgs, err = w.read(ctx); err != nil {
			return err
		}
	}
	if len(msgs) == 0 {
		return nil
	}

	events, ids := w.decodeBatch(ctx, msgs)
	if len(events) > 0 {
		if err := w.storeWithRetry(ctx, events); err != nil {
			// Left pending; reclaim picks the batch up again.
			w.logger.Error("click_ingest_batch_failed", "batch_size", len(events), "error", err)
			return err
		}
	}
	if _, err := w.redis.XAck(ctx, StreamKey, ConsumerGroup, ids...).Result(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// reclaim takes over messages another consumer left pending for ClaimIdle.
func (w *Worker) reclaim(ctx context.Context) ([]redis.XMessage, error) {
	now := time.Now()
	if now.Before(w.nextClaim) {
		return nil, nil
	}
	w.nextClaim = now.Add(w.opts.ClaimInterval)

	msgs, cursor, err := w.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamKey,
		Group:    ConsumerGroup,
		Consumer: w.opts.ConsumerID,
		MinIdle:  w.opts.ClaimIdle,
		Start:    w.claimCursor,
		Count:    int64(w.opts.BatchSize),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if cursor != "" {
		w.claimCursor = cursor
	}
	return msgs, nil
}

func (w *Worker) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := w.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: w.opts.ConsumerID,
		Streams:  []string{StreamKey, ">"},
		Count:    int64(w.opts.BatchSize),
		Block:    w.opts.BlockTimeout,
	}).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("xreadgroup: %w", err)
	case len(streams) == 0:
		return nil, nil
	}
	return streams[0].Messages, nil
}

// reportDepth publishes pending plus unread entries for the group.
func (w *Worker) reportDepth(ctx context.Context) {
	now := time.Now()
	if now.Before(w.nextDepth) {
		return
	}
	w.nextDepth = now.Add(w.opts.DepthInterval)

	groups, err := w.redis.XInfoGroups(ctx, StreamKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			w.logger.Warn("click_ingest_depth_failed", "error", err)
		}
		return
	}
	for _, g := range groups {
		if g.Name == ConsumerGroup {
			w.metrics.SetAnalyticsQueueDepth(g.Pending + g.Lag)
			return
		}
	}
}

// decodeBatch returns the decodable events and the ids of every message.
// Undecodable messages go to the dead-letter stream and are acked with
// the rest.
func (w *Worker) decodeBatch(ctx context.Context, msgs []redis.XMessage) ([]*model.ClickEvent, []string) {
	events := make([]*model.ClickEvent, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
		event, reason, err := decodeMessage(msg)
		if err != nil {
			w.deadLetter(ctx, msg, reason, err)
			continue
		}
		events = append(events, event)
	}
	return events, ids
}

// decodeMessage turns one stream entry into a click event. On failure it
// also returns the dead-letter reason.
func decodeMessage(msg redis.XMessage) (*model.ClickEvent, string, error) {
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return nil, reasonNoPayload, errors.New("payload field missing or not a string")
	}
	var payload ClickEventPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, reasonDecode, err
	}
	if err := ValidateClickEventPayload(payload); err != nil {
		return nil, reasonInvalid, err
	}
	return payload.ToEvent(), "", nil
}

func (w *Worker) deadLetter(ctx context.Context, msg redis.XMessage, reason string, cause error) {
	w.logger.Warn("click_dead_lettered", "message_id", msg.ID, "reason", reason, "error", cause)
	w.metrics.IncAnalyticsEventProcessed("dead_lettered")

	err := w.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStreamKey,
		MaxLen: deadLetterMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"source_id":   msg.ID,
			"reason":      reason,
			"error":       cause.Error(),
			"payload":     msg.Values["payload"],
			"rejected_at": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		w.logger.Error("click_dead_letter_write_failed", "message_id", msg.ID, "error", err)
	}
}

// storeWithRetry persists events, doubling the pause between attempts.
func (w *Worker) storeWithRetry(ctx context.Context, events []*model.ClickEvent) error {
	backoff := w.opts.RetryBackoff
	var err error
	for attempt := 1; ; attempt++ {
		start := time.Now()
		if err = persist(ctx, w.repo, events); err == nil {
			w.observeStored(events, time.Since(start))
			return nil
		}
		if attempt == w.opts.MaxRetries {
			break
		}
		w.logger.Warn("click_ingest_retry", "attempt", attempt, "backoff_ms", backoff.Milliseconds(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	for range events {
		w.metrics.IncAnalyticsEventProcessed("failed")
	}
	return err
}

func (w *Worker) observeStored(events []*model.ClickEvent, took time.Duration) {
	w.logger.Debug("click_ingest_batch", "events", len(events), "duration_ms", float64(took.Microseconds())/1000)
	w.metrics.ObserveAnalyticsBatchSize(len(events))
	w.metrics.ObserveAnalyticsBatchDuration(took)
	now := time.Now()
	for _, e := range events {
		w.metrics.IncAnalyticsEventProcessed("success")
		w.metrics.ObserveAnalyticsIngestLag(now.Sub(e.ClickedAt))
	}
}
