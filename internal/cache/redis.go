package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/capvault/internal/model"
)

const keyPrefix = "cap:token:"

// RedisTokenCache stores JSON-encoded token records in redis.
// One client is built at process start and shared by every request.
type RedisTokenCache struct {
	rdb redis.UniversalClient
}

// NewRedis wraps an existing redis client.
func NewRedis(rdb redis.UniversalClient) *RedisTokenCache {
	return &RedisTokenCache{rdb: rdb}
}

// Key returns the redis key used for a bearer value.
func Key(value string) string { return keyPrefix + value }

// Get loads and decodes the mirrored record.
func (c *RedisTokenCache) Get(ctx context.Context, value string) (model.Token, bool, error) {
	raw, err := c.rdb.Get(ctx, Key(value)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Token{}, false, nil
	}
	if err != nil {
		return model.Token{}, false, err
	}
	var t model.Token
	if err := json.Unmarshal(raw, &t); err != nil {
		// a corrupt mirror is treated as absent; the durable record decides
		return model.Token{}, false, fmt.Errorf("decode cached token: %w", err)
	}
	return t, true, nil
}

// Set mirrors the record with the given TTL.
func (c *RedisTokenCache) Set(ctx context.Context, t model.Token, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Delete(ctx, t.Value)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, Key(t.Value), raw, ttl).Err()
}

// Delete evicts the mirrored record.
func (c *RedisTokenCache) Delete(ctx context.Context, value string) error {
	return c.rdb.Del(ctx, Key(value)).Err()
}

// IsReady pings redis.
func (c *RedisTokenCache) IsReady(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
