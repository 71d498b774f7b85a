package collective

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/crystalline/internal/memory"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "crystal:collective:"

// RedisBank stores each partition as a Redis stream. Streams are
// append-only; an optional TTL lets old partitions expire.
type RedisBank struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisBank connects to redisURL. A zero ttl keeps partitions forever.
func NewRedisBank(ctx context.Context, redisURL string, ttl time.Duration, logger *zap.Logger) (*RedisBank, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis collective bank connected")
	return &RedisBank{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func streamKey(category memory.Category, day time.Time) string {
	return streamPrefix + category.String() + ":" + dayKey(day)
}

// Append adds e to its partition stream.
func (b *RedisBank) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	stream := streamKey(e.Category, e.Timestamp)
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("append to %s: %w", stream, err)
	}
	if b.ttl > 0 {
		if err := b.rdb.Expire(ctx, stream, b.ttl).Err(); err != nil {
			b.logger.Warn("set partition ttl failed", zap.String("stream", stream), zap.Error(err))
		}
	}

	b.logger.Debug("collective entry appended",
		zap.String("stream", stream),
		zap.String("entry", e.ID))
	return nil
}

// Partition reads the whole stream for (category, day).
func (b *RedisBank) Partition(ctx context.Context, category memory.Category, day time.Time) ([]Entry, error) {
	stream := streamKey(category, day)
	msgs, err := b.rdb.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			b.logger.Warn("skipping malformed collective entry", zap.String("stream", stream), zap.String("id", msg.ID))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Ping checks the Redis server answers.
func (b *RedisBank) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (b *RedisBank) Close() error {
	return b.rdb.Close()
}
