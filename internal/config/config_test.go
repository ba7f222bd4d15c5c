package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 384, cfg.Embedding.Dimension)
	assert.Equal(t, 512, cfg.Ingestion.ChunkSize)
	assert.Equal(t, time.Minute, cfg.Scheduler.TickInterval)
}

func TestLoadAppliesFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  dsn: postgres://file-dsn/shu
ingestion:
  chunk_size: 1024
scheduler:
  tick_interval: 30s
`), 0o644))

	// Environment wins over the file.
	t.Setenv("DATABASE_URL", "postgres://env-dsn/shu")
	t.Setenv("CACHE_URL", "redis://localhost:6379")
	t.Setenv("EMBEDDING_DIMENSION", "768")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env-dsn/shu", cfg.Database.DSN)
	assert.Equal(t, "localhost:6379", cfg.Cache.URL)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
	assert.Equal(t, 1024, cfg.Ingestion.ChunkSize)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
}

func TestLoadRejectsInvalidChunking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ingestion:
  chunk_size: 64
  chunk_overlap: 64
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_overlap")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestStripRedisScheme(t *testing.T) {
	assert.Equal(t, "localhost:6379", stripRedisScheme("redis://localhost:6379"))
	assert.Equal(t, "localhost:6379", stripRedisScheme("localhost:6379"))
}
