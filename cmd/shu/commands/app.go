package commands

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/shu-ai/shu-core/internal/cache"
	"github.com/shu-ai/shu-core/internal/config"
	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/pluginhost"
	"github.com/shu-ai/shu-core/internal/queue"
	"github.com/shu-ai/shu-core/internal/staging"
)

// registry holds plugins linked into this binary. Deployments register their
// plugins from an init() via RegisterPlugin before Execute runs.
var registry = pluginhost.NewRegistry()

// RegisterPlugin makes a plugin available to the worker and visible to the
// scheduler's availability check.
func RegisterPlugin(p pluginhost.Plugin) {
	registry.Register(p)
}

// app holds the process-wide collaborators both commands need.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	db      *sql.DB
	cache   cache.Cache
	backend queue.Backend
	staging *staging.Service
}

func newApp(service string) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: service,
	})

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database DSN is required (DATABASE_URL or config)")
	}
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	c, err := cache.New(cache.Config{
		URL:           cfg.Cache.URL,
		Password:      cfg.Cache.Password,
		DB:            cfg.Cache.DB,
		PoolSize:      cfg.Cache.PoolSize,
		Prefix:        cfg.Cache.Prefix,
		SweepInterval: cfg.Cache.SweepInterval,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}

	backend, err := queue.New(queue.Config{
		URL:      cfg.Queue.URL,
		Password: cfg.Queue.Password,
		DB:       cfg.Queue.DB,
		PoolSize: cfg.Queue.PoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue: %w", err)
	}

	logger.Info().
		Str("cache", backendKind(cfg.Cache.URL)).
		Str("queue", backendKind(cfg.Queue.URL)).
		Msg("Backends initialized")

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		cache:   c,
		backend: backend,
		staging: staging.NewService(c, logger, cfg.Ingestion.StagingTTL),
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Closing database failed")
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Closing cache failed")
	}
	if err := a.backend.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Closing queue backend failed")
	}
}

func backendKind(url string) string {
	if url == "" {
		return "memory"
	}
	return "redis"
}
