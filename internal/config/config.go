// Package config provides unified configuration loading for the Shu ingestion core.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion core.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Queue         QueueConfig         `yaml:"queue"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Worker        WorkerConfig        `yaml:"worker"`
	LLM           LLMConfig           `yaml:"llm"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig holds cache backend settings. A non-empty URL selects the
// shared Redis backend; otherwise the in-process backend is used.
type CacheConfig struct {
	URL           string        `yaml:"url"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	PoolSize      int           `yaml:"pool_size"`
	Prefix        string        `yaml:"prefix"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// QueueConfig holds queue backend settings. A non-empty URL selects the
// shared Redis backend; otherwise the in-process backend is used.
type QueueConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// EmbeddingConfig holds embedding model settings.
type EmbeddingConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
	Workers   int           `yaml:"workers"`
}

// ExtractionConfig holds text extraction / OCR settings.
type ExtractionConfig struct {
	Engine         string        `yaml:"engine"`
	OCRBaseURL     string        `yaml:"ocr_base_url"`
	OCRAPIKey      string        `yaml:"ocr_api_key"`
	RenderScale    float64       `yaml:"render_scale"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	PageTimeout    time.Duration `yaml:"page_timeout"`
}

// ProfilingConfig holds document profiling settings.
type ProfilingConfig struct {
	Enabled            bool   `yaml:"enabled"`
	MaxConcurrentTasks int    `yaml:"max_concurrent_tasks"`
	ChunkBatchSize     int    `yaml:"chunk_batch_size"`
	MaxInputTokens     int    `yaml:"max_input_tokens"`
	FullDocMaxTokens   int    `yaml:"full_doc_max_tokens"`
	Model              string `yaml:"model"`
}

// IngestionConfig holds chunking and staging defaults.
type IngestionConfig struct {
	ChunkSize         int           `yaml:"chunk_size"`
	ChunkOverlap      int           `yaml:"chunk_overlap"`
	TitleChunkEnabled bool          `yaml:"title_chunk_enabled"`
	StagingTTL        time.Duration `yaml:"staging_ttl"`
}

// RateLimitConfig holds rate limiter settings.
type RateLimitConfig struct {
	Enabled          bool                     `yaml:"enabled"`
	APICapacity      int64                    `yaml:"api_capacity"`
	APIRefillPerSec  float64                  `yaml:"api_refill_per_sec"`
	AuthCapacity     int64                    `yaml:"auth_capacity"`
	AuthRefillPerSec float64                  `yaml:"auth_refill_per_sec"`
	Providers        map[string]ProviderLimit `yaml:"providers"`
}

// ProviderLimit holds per-LLM-provider request and token budgets.
type ProviderLimit struct {
	RPM int64 `yaml:"rpm"`
	TPM int64 `yaml:"tpm"`
}

// SchedulerConfig holds unified scheduler settings.
type SchedulerConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	BatchSize      int           `yaml:"batch_size"`
	RunningTimeout time.Duration `yaml:"running_timeout"`
	FallbackUserID string        `yaml:"fallback_user_id"`
}

// WorkerConfig holds worker runtime settings.
type WorkerConfig struct {
	PollInterval    time.Duration  `yaml:"poll_interval"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
	Concurrency     int            `yaml:"concurrency"`
	CapacityLimits  map[string]int `yaml:"capacity_limits"`
}

// LLMConfig holds LLM client settings.
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Cache: CacheConfig{
			PoolSize:      10,
			Prefix:        "shu:",
			SweepInterval: time.Minute,
		},
		Queue: QueueConfig{
			PoolSize: 10,
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "https://openrouter.ai/api/v1",
			Model:     "sentence-transformers/all-minilm-l6-v2",
			Dimension: 384,
			BatchSize: 75,
			Timeout:   30 * time.Second,
			Workers:   4,
		},
		Extraction: ExtractionConfig{
			Engine:         "auto",
			RenderScale:    2.0,
			MaxConcurrency: 1,
			PageTimeout:    180 * time.Second,
		},
		Profiling: ProfilingConfig{
			Enabled:            true,
			MaxConcurrentTasks: 2,
			ChunkBatchSize:     10,
			MaxInputTokens:     12000,
			FullDocMaxTokens:   8000,
			Model:              "anthropic/claude-3-5-haiku",
		},
		Ingestion: IngestionConfig{
			ChunkSize:         512,
			ChunkOverlap:      64,
			TitleChunkEnabled: true,
			StagingTTL:        time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:          true,
			APICapacity:      120,
			APIRefillPerSec:  2,
			AuthCapacity:     10,
			AuthRefillPerSec: 0.05,
			Providers:        map[string]ProviderLimit{},
		},
		Scheduler: SchedulerConfig{
			TickInterval:   60 * time.Second,
			BatchSize:      25,
			RunningTimeout: 30 * time.Minute,
		},
		Worker: WorkerConfig{
			PollInterval:    time.Second,
			ShutdownTimeout: 30 * time.Second,
			Concurrency:     4,
			CapacityLimits: map[string]int{
				"ingestion_ocr": 1,
				"profiling":     2,
			},
		},
		LLM: LLMConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "anthropic/claude-3-5-haiku",
			CallTimeout: 120 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Ingestion.ChunkOverlap, c.Ingestion.ChunkSize)
	}

	if c.Embedding.Dimension < 1 {
		return fmt.Errorf("invalid embedding dimension: %d", c.Embedding.Dimension)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}

	if c.Scheduler.TickInterval < time.Second {
		return fmt.Errorf("scheduler tick interval must be at least 1s")
	}

	if c.Profiling.ChunkBatchSize < 1 {
		return fmt.Errorf("profiling chunk_batch_size must be at least 1")
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("CACHE_URL"); v != "" {
		cfg.Cache.URL = stripRedisScheme(v)
	}

	if v := os.Getenv("QUEUE_URL"); v != "" {
		cfg.Queue.URL = stripRedisScheme(v)
	}

	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	if v := os.Getenv("EMBEDDING_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimension = n
		}
	}

	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}

	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}

	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	if v := os.Getenv("OCR_ENGINE"); v != "" {
		cfg.Extraction.Engine = v
	}

	if v := os.Getenv("OCR_BASE_URL"); v != "" {
		cfg.Extraction.OCRBaseURL = v
	}

	if v := os.Getenv("OCR_API_KEY"); v != "" {
		cfg.Extraction.OCRAPIKey = v
	}

	if v := os.Getenv("OCR_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Extraction.MaxConcurrency = n
		}
	}

	if v := os.Getenv("OCR_PAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Extraction.PageTimeout = d
		}
	}

	if v := os.Getenv("PROFILING_ENABLED"); v != "" {
		cfg.Profiling.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("PROFILING_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Profiling.MaxConcurrentTasks = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("SCHEDULER_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.TickInterval = d
		}
	}

	if v := os.Getenv("SCHEDULER_RUNNING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.RunningTimeout = d
		}
	}

	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

// stripRedisScheme accepts redis://host:port or host:port and returns host:port.
func stripRedisScheme(url string) string {
	url = strings.TrimPrefix(url, "redis://")
	return strings.TrimSuffix(url, "/")
}
