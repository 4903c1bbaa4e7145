// Package cache is the read-side balance cache. It is never authoritative:
// the durable store remains the single source of truth, writers invalidate
// after every commit, and any cache failure degrades to a store read.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/Jaymayes/scholarship-credits/internal/domain"
)

const keyPrefix = "credits:balance:"

// Balances caches Balance snapshots in Redis with a short TTL.
type Balances struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewBalances(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Balances {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Balances{client: client, ttl: ttl, logger: logger}
}

func (c *Balances) Get(ctx context.Context, userID string) (domain.Balance, bool) {
	raw, err := c.client.Get(ctx, keyPrefix+userID).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn().Err(err).Str("user_id", userID).Msg("balance cache read failed")
		}
		return domain.Balance{}, false
	}
	var b domain.Balance
	if err := json.Unmarshal(raw, &b); err != nil {
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("balance cache entry corrupt, dropping")
		c.client.Del(ctx, keyPrefix+userID)
		return domain.Balance{}, false
	}
	return b, true
}

func (c *Balances) Set(ctx context.Context, b domain.Balance) {
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, keyPrefix+b.UserID, raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("user_id", b.UserID).Msg("balance cache write failed")
	}
}

func (c *Balances) Invalidate(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, keyPrefix+userID).Err(); err != nil {
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("balance cache invalidation failed")
	}
}
