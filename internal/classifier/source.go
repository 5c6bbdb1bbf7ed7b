package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis set keys read by RedisSource.
const (
	HostingRangesKey     = "classifier:hosting_ranges"
	BotTokensKey         = "classifier:bot_tokens"
	BrowserSignaturesKey = "classifier:browser_signatures"
)

// Source loads a fresh generation of reference tables.
type Source interface {
	Load(ctx context.Context) (*Tables, error)
	Name() string
}

// FileSource reads tables from a JSON document shaped like RawTables.
type FileSource struct {
	Path string
}

// NewFileSource creates a FileSource.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Name implements Source.
func (s *FileSource) Name() string { return "file:" + s.Path }

// Load implements Source.
func (s *FileSource) Load(ctx context.Context) (*Tables, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read classifier tables: %w", err)
	}
	var raw RawTables
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode classifier tables: %w", err)
	}
	return raw.Build(s.Name(), time.Now())
}

// RedisSource reads tables from three Redis sets so operators can push
// updates to every node at once.
type RedisSource struct {
	client *redis.Client
}

// NewRedisSource creates a RedisSource.
func NewRedisSource(client *redis.Client) *RedisSource {
	return &RedisSource{client: client}
}

// Name implements Source.
func (s *RedisSource) Name() string { return "redis" }

// Load implements Source. A missing hosting set leaves the hosting table
// unavailable rather than empty.
func (s *RedisSource) Load(ctx context.Context) (*Tables, error) {
	pipe := s.client.Pipeline()
	exists := pipe.Exists(ctx, HostingRangesKey)
	hosting := pipe.SMembers(ctx, HostingRangesKey)
	bots := pipe.SMembers(ctx, BotTokensKey)
	browsers := pipe.SMembers(ctx, BrowserSignaturesKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load classifier sets: %w", err)
	}

	raw := RawTables{
		BotTokens:         bots.Val(),
		BrowserSignatures: browsers.Val(),
	}
	if exists.Val() > 0 {
		raw.HostingRanges = hosting.Val()
	}
	return raw.Build(s.Name(), time.Now())
}

// Publish replaces the Redis sets with the given raw tables.
func (s *RedisSource) Publish(ctx context.Context, raw RawTables) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		replaceSet(ctx, pipe, HostingRangesKey, raw.HostingRanges)
		replaceSet(ctx, pipe, BotTokensKey, raw.BotTokens)
		replaceSet(ctx, pipe, BrowserSignaturesKey, raw.BrowserSignatures)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish classifier sets: %w", err)
	}
	return nil
}

func replaceSet(ctx context.Context, pipe redis.Pipeliner, key string, members []string) {
	pipe.Del(ctx, key)
	if len(members) == 0 {
		return
	}
	values := make([]interface{}, len(members))
	for i, m := range members {
		values[i] = m
	}
	pipe.SAdd(ctx, key, values...)
}
