package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/penshort/cloak/internal/model"
)

const (
	// StreamKey is the Redis stream for click events.
	StreamKey = "stream:click_events"

	// DeadLetterStreamKey is the Redis stream for poison messages.
	DeadLetterStreamKey = "stream:click_events:dlq"

	// MaxStreamLen is the approximate max length of the stream.
	MaxStreamLen = 100000
)

// StreamSink appends events to the Redis stream read by Worker.
type StreamSink struct {
	redis  *redis.Client
	logger *slog.Logger
}

// NewStreamSink creates a StreamSink.
func NewStreamSink(client *redis.Client, logger *slog.Logger) *StreamSink {
	return &StreamSink{
		redis:  client,
		logger: logger.With("component", "analytics.stream_sink"),
	}
}

// Name implements Sink.
func (s *StreamSink) Name() string { return "stream" }

// Write implements Sink. The whole batch goes out in one pipeline.
func (s *StreamSink) Write(ctx context.Context, events []*model.ClickEvent) error {
	pipe := s.redis.Pipeline()
	for _, event := range events {
		data, err := json.Marshal(PayloadFromEvent(event))
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", event.EventID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamKey,
			MaxLen: MaxStreamLen,
			Approx: true, // ~MAXLEN for performance
			ID:     "*",
			Values: map[string]interface{}{
				"payload": string(data),
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd batch: %w", err)
	}
	s.logger.Debug("click events published", "events_count", len(events))
	return nil
}

// Repository persists click events and keeps daily aggregates current.
type Repository interface {
	BulkInsert(ctx context.Context, events []*model.ClickEvent) error
	UpdateDailyStats(ctx context.Context, events []*model.ClickEvent) error
}

// RepositorySink writes events straight to Postgres.
type RepositorySink struct {
	repo Repository
}

// NewRepositorySink creates a RepositorySink.
func NewRepositorySink(repo Repository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

// Name implements Sink.
func (s *RepositorySink) Name() string { return "postgres" }

// Write implements Sink. Inserts are idempotent by event id, so a retried
// batch does not double count.
func (s *RepositorySink) Write(ctx context.Context, events []*model.ClickEvent) error {
	return persist(ctx, s.repo, events)
}

func persist(ctx context.Context, repo Repository, events []*model.ClickEvent) error {
	if err := repo.BulkInsert(ctx, events); err != nil {
		return fmt.Errorf("bulk insert: %w", err)
	}
	if err := repo.UpdateDailyStats(ctx, events); err != nil {
		return fmt.Errorf("update daily stats: %w", err)
	}
	return nil
}
