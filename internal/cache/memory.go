package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Memory implements Cache in-process. Expiry is checked lazily on access
// plus a periodic sweep. Data is lost on restart; sufficient only for
// single-process deployments.
type Memory struct {
	mu   sync.Mutex
	data map[string]memoryEntry
	stop chan struct{}
	once sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an in-process cache backend. sweepInterval defaults to
// one minute when non-positive.
func NewMemory(sweepInterval time.Duration) *Memory {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	c := &Memory{
		data: make(map[string]memoryEntry),
		stop: make(chan struct{}),
	}

	go c.sweep(sweepInterval)

	return c
}

// Get retrieves a string value.
func (c *Memory) Get(ctx context.Context, key string) (string, error) {
	b, err := c.GetBytes(ctx, key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetBytes retrieves a raw byte value.
func (c *Memory) GetBytes(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok || entry.expired(time.Now()) {
		delete(c.data, key)
		return nil, ErrNotFound
	}

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores a string value. Zero ttl means no expiry; negative deletes.
func (c *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.SetBytes(ctx, key, []byte(value), ttl)
}

// SetBytes stores a raw byte value. Zero ttl means no expiry; negative deletes.
func (c *Memory) SetBytes(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl < 0 {
		delete(c.data, key)
		return nil
	}

	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.data[key] = entry

	return nil
}

// Delete removes a key, reporting whether it existed.
func (c *Memory) Delete(_ context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	delete(c.data, key)
	return ok && !entry.expired(time.Now()), nil
}

// Exists reports whether a key is present.
func (c *Memory) Exists(_ context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok || entry.expired(time.Now()) {
		delete(c.data, key)
		return false, nil
	}
	return true, nil
}

// Expire sets a ttl on an existing key, reporting whether the key existed.
func (c *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, fmt.Errorf("cache: expire ttl must be positive, got %s", ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok || entry.expired(time.Now()) {
		delete(c.data, key)
		return false, nil
	}
	entry.expiresAt = time.Now().Add(ttl)
	c.data[key] = entry
	return true, nil
}

// Incr increments the integer stored at key by delta, creating it at zero.
func (c *Memory) Incr(_ context.Context, key string, delta int64) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok || entry.expired(time.Now()) {
		entry = memoryEntry{}
	}

	var current int64
	if len(entry.value) > 0 {
		n, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, ErrTypeMismatch
		}
		current = n
	}

	current += delta
	entry.value = []byte(strconv.FormatInt(current, 10))
	c.data[key] = entry
	return current, nil
}

// Decr decrements the integer stored at key by delta.
func (c *Memory) Decr(ctx context.Context, key string, delta int64) (int64, error) {
	return c.Incr(ctx, key, -delta)
}

// Close stops the sweep goroutine.
func (c *Memory) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// sweep periodically removes expired entries.
func (c *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.data {
				if entry.expired(now) {
					delete(c.data, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

var _ Cache = (*Memory)(nil)
