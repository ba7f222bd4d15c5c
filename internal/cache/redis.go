package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on a shared Redis instance. TTLs have sub-second
// precision and Incr/Set are atomic across processes.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis cache backend and verifies the connection.
func NewRedis(cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", ErrConnection, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "shu:"
	}

	return &Redis{client: client, prefix: prefix}, nil
}

// NewRedisFromClient wraps an existing client. Used in tests with miniredis.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "shu:"
	}
	return &Redis{client: client, prefix: prefix}
}

// Get retrieves a string value.
func (c *Redis) Get(ctx context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", classify(err, "get")
	}
	return val, nil
}

// GetBytes retrieves a raw byte value.
func (c *Redis) GetBytes(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err, "get bytes")
	}
	return val, nil
}

// Set stores a string value. Zero ttl means no expiry; negative deletes.
func (c *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.SetBytes(ctx, key, []byte(value), ttl)
}

// SetBytes stores a raw byte value. Zero ttl means no expiry; negative deletes.
func (c *Redis) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl < 0 {
		_, err := c.Delete(ctx, key)
		return err
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return classify(err, "set")
	}
	return nil
}

// Delete removes a key, reporting whether it existed.
func (c *Redis) Delete(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	n, err := c.client.Del(ctx, c.prefix+key).Result()
	if err != nil {
		return false, classify(err, "delete")
	}
	return n > 0, nil
}

// Exists reports whether a key is present.
func (c *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	n, err := c.client.Exists(ctx, c.prefix+key).Result()
	if err != nil {
		return false, classify(err, "exists")
	}
	return n > 0, nil
}

// Expire sets a ttl on an existing key, reporting whether the key existed.
func (c *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, fmt.Errorf("cache: expire ttl must be positive, got %s", ttl)
	}
	// PEXPIRE keeps millisecond precision; EXPIRE would truncate sub-second
	// TTLs to a full second.
	ok, err := c.client.PExpire(ctx, c.prefix+key, ttl).Result()
	if err != nil {
		return false, classify(err, "expire")
	}
	return ok, nil
}

// Incr atomically increments the integer stored at key by delta.
func (c *Redis) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	n, err := c.client.IncrBy(ctx, c.prefix+key, delta).Result()
	if err != nil {
		return 0, classify(err, "incr")
	}
	return n, nil
}

// Decr atomically decrements the integer stored at key by delta.
func (c *Redis) Decr(ctx context.Context, key string, delta int64) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	n, err := c.client.DecrBy(ctx, c.prefix+key, delta).Result()
	if err != nil {
		return 0, classify(err, "decr")
	}
	return n, nil
}

// Close closes the Redis connection.
func (c *Redis) Close() error {
	return c.client.Close()
}

// classify maps go-redis errors onto the cache error taxonomy.
func classify(err error, op string) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: redis %s: %v", ErrConnection, op, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "not an integer") || strings.Contains(msg, "wrong kind of value") {
		return fmt.Errorf("%w: redis %s", ErrTypeMismatch, op)
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "closed") {
		return fmt.Errorf("%w: redis %s: %v", ErrConnection, op, err)
	}
	return fmt.Errorf("cache: redis %s: %w", op, err)
}

var _ Cache = (*Redis)(nil)
