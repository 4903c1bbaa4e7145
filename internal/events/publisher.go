// Package events delivers post-commit ledger notifications to the platform
// bus. Delivery is best-effort: a failed publish is logged by the caller and
// never affects the committed transaction.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/Jaymayes/scholarship-credits/internal/domain"
)

// DefaultChannel is the pub/sub channel downstream consumers subscribe to.
const DefaultChannel = "credits.events"

// RedisPublisher publishes events as JSON on a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event marshal failed: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("event publish failed: %w", err)
	}
	return nil
}

// Nop discards events; used when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, domain.Event) error { return nil }
