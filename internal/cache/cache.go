// Package cache provides the key/value substrate used by rate limiting,
// file staging, and plugin secrets. Two backends satisfy the same contract:
// a shared Redis backend for multi-replica deployments and an in-process
// backend for single-process runs.
package cache

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors. Callers that need fail-open behavior (the rate limiter)
// branch on ErrConnection specifically.
var (
	ErrNotFound     = errors.New("cache: key not found")
	ErrInvalidKey   = errors.New("cache: invalid key")
	ErrTypeMismatch = errors.New("cache: value is not an integer")
	ErrConnection   = errors.New("cache: connection failure")
)

// Cache is the backend contract. A ttl of zero stores without expiry; a
// negative ttl deletes the key immediately.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	GetBytes(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Decr(ctx context.Context, key string, delta int64) (int64, error)
	Close() error
}

// Config selects and configures a backend. A non-empty URL selects Redis.
type Config struct {
	URL           string
	Password      string
	DB            int
	PoolSize      int
	Prefix        string
	SweepInterval time.Duration
}

// New creates a cache backend from config: Redis when a URL is set,
// in-process otherwise. This is a deploy-time choice, not runtime DI.
func New(cfg Config) (Cache, error) {
	if cfg.URL != "" {
		return NewRedis(cfg)
	}
	return NewMemory(cfg.SweepInterval), nil
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}

// Key joins components into a cache key.
func Key(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}
