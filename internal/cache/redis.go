package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultKey = "waitlist:snapshot"

// RedisCache stores a single JSON document under one key.
type RedisCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", addr)
	}
	return client, nil
}

// NewRedisCache uses DefaultKey when key is empty. A zero ttl keeps the value forever.
func NewRedisCache(client *redis.Client, key string, ttl time.Duration) *RedisCache {
	if key == "" {
		key = DefaultKey
	}
	return &RedisCache{client: client, key: key, ttl: ttl}
}

func (c *RedisCache) Save(ctx context.Context, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encode cached value")
	}
	if err := c.client.Set(ctx, c.key, payload, c.ttl).Err(); err != nil {
		return errors.Wrapf(err, "save %s", c.key)
	}
	return nil
}

// Load decodes the cached value into dest and reports whether one was present.
func (c *RedisCache) Load(ctx context.Context, dest interface{}) (bool, error) {
	payload, err := c.client.Get(ctx, c.key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "load %s", c.key)
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, errors.Wrapf(err, "decode %s", c.key)
	}
	return true, nil
}
