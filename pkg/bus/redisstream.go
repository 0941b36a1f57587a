package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/models"
)

// RedisStreamMirror appends events to a capped redis stream for
// multi-process consumers. The stream is trimmed approximately to MaxLen so
// mirroring stays O(1) per publish.
type RedisStreamMirror struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamMirror connects and verifies the target is reachable.
func NewRedisStreamMirror(ctx context.Context, cfg *config.RedisMirrorConfig) (*RedisStreamMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis mirror: %w", err)
	}
	return &RedisStreamMirror{
		client: client,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
	}, nil
}

func (m *RedisStreamMirror) Name() string { return "redis" }

func (m *RedisStreamMirror) Publish(ctx context.Context, evt *models.Event) error {
	full, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event for redis mirror: %w", err)
	}
	err = m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]any{
			"seq":   evt.Seq,
			"type":  string(evt.Type),
			"event": full,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	return nil
}

func (m *RedisStreamMirror) Close() error {
	return m.client.Close()
}
