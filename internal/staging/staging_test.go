package staging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shu-ai/shu-core/internal/cache"
	"github.com/shu-ai/shu-core/internal/observability"
)

func newService(t *testing.T, ttl time.Duration) *Service {
	t.Helper()
	mem := cache.NewMemory(0)
	t.Cleanup(func() { mem.Close() })
	return NewService(mem, observability.NopLogger(), ttl)
}

func TestStageAndRetrieve(t *testing.T) {
	svc := newService(t, 0)
	ctx := context.Background()
	content := []byte{0x25, 0x50, 0x44, 0x46, 0x00, 0xFF}

	key, err := svc.Stage(ctx, "doc-1", content)
	require.NoError(t, err)
	assert.Equal(t, "file_staging:doc-1", key)

	got, err := svc.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestRetrieveConsumes(t *testing.T) {
	svc := newService(t, 0)
	ctx := context.Background()

	key, err := svc.Stage(ctx, "doc-1", []byte("payload"))
	require.NoError(t, err)

	_, err = svc.Retrieve(ctx, key)
	require.NoError(t, err)

	_, err = svc.Retrieve(ctx, key)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestRetrieveKeepDoesNotConsume(t *testing.T) {
	svc := newService(t, 0)
	ctx := context.Background()

	key, err := svc.Stage(ctx, "doc-1", []byte("payload"))
	require.NoError(t, err)

	first, err := svc.RetrieveKeep(ctx, key)
	require.NoError(t, err)

	second, err := svc.RetrieveKeep(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRetrieveMissing(t *testing.T) {
	svc := newService(t, 0)

	_, err := svc.Retrieve(context.Background(), Key("never-staged"))
	assert.ErrorIs(t, err, ErrMissing)
	assert.True(t, errors.Is(err, ErrMissing))
}

func TestDelete(t *testing.T) {
	svc := newService(t, 0)
	ctx := context.Background()

	key, err := svc.Stage(ctx, "doc-1", []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, key))

	_, err = svc.Retrieve(ctx, key)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestTTLExpiry(t *testing.T) {
	svc := newService(t, 20*time.Millisecond)
	ctx := context.Background()

	key, err := svc.Stage(ctx, "doc-1", []byte("payload"))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = svc.Retrieve(ctx, key)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestRestageOverwrites(t *testing.T) {
	svc := newService(t, 0)
	ctx := context.Background()

	_, err := svc.Stage(ctx, "doc-1", []byte("v1"))
	require.NoError(t, err)
	key, err := svc.Stage(ctx, "doc-1", []byte("v2"))
	require.NoError(t, err)

	got, err := svc.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}
