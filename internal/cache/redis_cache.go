package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirflow/backend/internal/domain"
)

const transactionKeyPrefix = "pos:tx:"

type RedisTransactionCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisTransactionCache(client *redis.Client) *RedisTransactionCache {
	return &RedisTransactionCache{client: client}
}

func (c *RedisTransactionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTransactionCache) Get(ctx context.Context, id string) (*domain.Transaction, bool, error) {
	val, err := c.client.Get(ctx, transactionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var tx domain.Transaction
	if err := json.Unmarshal(val, &tx); err != nil {
		return nil, false, err
	}
	return &tx, true, nil
}

func (c *RedisTransactionCache) Set(ctx context.Context, tx domain.Transaction, ttl time.Duration) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, transactionKeyPrefix+tx.ID, payload, ttl).Err()
}

func (c *RedisTransactionCache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, transactionKeyPrefix+id).Err()
}
