package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendFixture runs the same property tests against both cache variants.
type backendFixture struct {
	name    string
	cache   Cache
	advance func(d time.Duration)
}

func fixtures(t *testing.T) []backendFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	mem := NewMemory(time.Minute)
	t.Cleanup(func() { _ = mem.Close() })

	return []backendFixture{
		{
			name:    "redis",
			cache:   NewRedisFromClient(rc, "shu:"),
			advance: mr.FastForward,
		},
		{
			name:    "memory",
			cache:   mem,
			advance: func(d time.Duration) { time.Sleep(d) },
		},
	}
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, fx := range fixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			require.NoError(t, fx.cache.Set(ctx, "greeting", "hello", 0))

			got, err := fx.cache.Get(ctx, "greeting")
			require.NoError(t, err)
			assert.Equal(t, "hello", got)

			blob := []byte{0x00, 0xFF, 0x10, 0x80}
			require.NoError(t, fx.cache.SetBytes(ctx, "blob", blob, 0))

			gotBytes, err := fx.cache.GetBytes(ctx, "blob")
			require.NoError(t, err)
			assert.Equal(t, blob, gotBytes)
		})
	}
}

func TestCache_MissingKey(t *testing.T) {
	ctx := context.Background()
	for _, fx := range fixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			_, err := fx.cache.Get(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)

			exists, err := fx.cache.Exists(ctx, "nope")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestCache_EmptyKeyRejected(t *testing.T) {
	ctx := context.Background()
	for _, fx := range fixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			_, err := fx.cache.Get(ctx, "")
			assert.ErrorIs(t, err, ErrInvalidKey)

			err = fx.cache.Set(ctx, "", "v", 0)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestCache_NegativeTTLDeletes(t *testing.T) {
	ctx := context.Background()
	for _, fx := range fixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			require.NoError(t, fx.cache.Set(ctx, "gone", "v", 0))
			require.NoError(t, fx.cache.Set(ctx, "gone", "v", -1))

			_, err := fx.cache.Get(ctx, "gone")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	for _, fx := range fixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			require.NoError(t, fx.cache.Set(ctx, "fleeting", "v", 50*time.Millisecond))

			got, err := fx.cache.Get(ctx, "fleeting")
			require.NoError(t, err)
			assert.Equal(t, "v", got)

			fx.advance(100 * time.Millisecond)

			_, err = fx.cache.Get(ctx, "fleeting")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCache_DeleteReportsExistence(t *testing.T) {
	ctx := context.Background()
	for _, fx := range fixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			require.NoError(t, fx.cache.Set(ctx, "d", "v", 0))

			deleted, err := fx.cache.Delete(ctx, "d")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = fx.cache.Delete(ctx, "d")
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestCache_Expire(t *testing.T) {
	ctx := context.Background()
	for _, fx := range fixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			require.NoError(t, fx.cache.Set(ctx, "e", "v", 0))

			ok, err := fx.cache.Expire(ctx, "e", 50*time.Millisecond)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = fx.cache.Expire(ctx, "absent", time.Second)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = fx.cache.Expire(ctx, "e", 0)
			assert.Error(t, err)

			fx.advance(100 * time.Millisecond)
			_, err = fx.cache.Get(ctx, "e")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCache_Counters(t *testing.T) {
	ctx := context.Background()
	for _, fx := range fixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			n, err := fx.cache.Incr(ctx, "count", 1)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = fx.cache.Incr(ctx, "count", 4)
			require.NoError(t, err)
			assert.Equal(t, int64(5), n)

			n, err = fx.cache.Decr(ctx, "count", 2)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)
		})
	}
}

func TestCache_IncrTypeMismatch(t *testing.T) {
	ctx := context.Background()
	for _, fx := range fixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			require.NoError(t, fx.cache.Set(ctx, "words", "not a number", 0))

			_, err := fx.cache.Incr(ctx, "words", 1)
			assert.ErrorIs(t, err, ErrTypeMismatch)
		})
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "a:b:c", Key("a", "b", "c"))
	assert.Equal(t, "solo", Key("solo"))
}
