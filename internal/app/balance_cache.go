package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

// BalanceCache holds display balances for a short time. A miss returns nil
// without error.
type BalanceCache interface {
	Get(ctx context.Context, userID uuid.UUID) (*domain.Balance, error)
	Set(ctx context.Context, balance *domain.Balance) error
	Invalidate(ctx context.Context, userIDs ...uuid.UUID) error
}

type noopBalanceCache struct{}

func (noopBalanceCache) Get(context.Context, uuid.UUID) (*domain.Balance, error) { return nil, nil }
func (noopBalanceCache) Set(context.Context, *domain.Balance) error              { return nil }
func (noopBalanceCache) Invalidate(context.Context, ...uuid.UUID) error          { return nil }

// RedisBalanceCache stores balances as JSON strings with a TTL.
type RedisBalanceCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisBalanceCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisBalanceCache {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "dgt:ledger"
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisBalanceCache{client: client, prefix: trimmedPrefix + ":balance", ttl: ttl}
}

func (c *RedisBalanceCache) key(userID uuid.UUID) string {
	return c.prefix + ":" + userID.String()
}

func (c *RedisBalanceCache) Get(ctx context.Context, userID uuid.UUID) (*domain.Balance, error) {
	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var balance domain.Balance
	if err := json.Unmarshal(raw, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

func (c *RedisBalanceCache) Set(ctx context.Context, balance *domain.Balance) error {
	raw, err := json.Marshal(balance)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(balance.UserID), raw, c.ttl).Err()
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, userIDs ...uuid.UUID) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = c.key(id)
	}
	return c.client.Del(ctx, keys...).Err()
}
