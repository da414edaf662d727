// Package notify emits terminal processing results for downstream
// notification and audit consumers. Delivery is best-effort: a publish
// failure never fails the job that produced the result.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"smm-fulfillment/internal/models"
)

// Notifier publishes one event per terminal handler outcome.
type Notifier interface {
	Publish(ctx context.Context, res models.ProcessingResult) error
}

// RedisNotifier publishes results as JSON on a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = "orders:events"
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Publish(ctx context.Context, res models.ProcessingResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return n.client.Publish(ctx, n.channel, string(b)).Err()
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(context.Context, models.ProcessingResult) error { return nil }
