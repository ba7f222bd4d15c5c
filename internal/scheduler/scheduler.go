// Package scheduler runs the unified tick loop that turns due plugin feeds
// and scheduled experiences into queue jobs. Every source follows the same
// contract: sweep abandoned work, then enqueue what is due. Row locks with
// SKIP LOCKED make multiple replicas safe.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/shu-ai/shu-core/internal/observability"
)

// SourceStats counts what one source did in one tick.
type SourceStats struct {
	Claimed              int `json:"claimed"`
	Enqueued             int `json:"enqueued"`
	SkippedMissingPlugin int `json:"skipped_missing_plugin"`
	SkippedActive        int `json:"skipped_active"`
	SkippedNoOwner       int `json:"skipped_no_owner"`
	Failed               int `json:"failed"`
}

// Source is one schedulable backlog the tick loop drains.
type Source interface {
	Name() string
	// CleanupStale marks abandoned running work as failed, returning how
	// many rows were swept.
	CleanupStale(ctx context.Context) (int64, error)
	// EnqueueDue claims up to limit due rows and enqueues jobs for them.
	EnqueueDue(ctx context.Context, limit int) (SourceStats, error)
}

// TickRecord is one tick's outcome for one source, kept for observability.
type TickRecord struct {
	Source       string        `json:"source"`
	At           time.Time     `json:"at"`
	Duration     time.Duration `json:"duration"`
	CleanedStale int64         `json:"cleaned_stale"`
	Stats        SourceStats   `json:"stats"`
	Error        string        `json:"error,omitempty"`
}

// historyLimit bounds the in-memory tick history.
const historyLimit = 500

// Config holds scheduler settings. Zero values fall back to defaults.
type Config struct {
	TickInterval time.Duration // default one minute
	BatchSize    int           // due rows claimed per source per tick, default 25
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	return c
}

// Scheduler drives the tick loop over its sources.
type Scheduler struct {
	sources []Source
	logger  *observability.Logger
	cfg     Config

	mu      sync.Mutex
	history []TickRecord
}

// New creates a scheduler over the given sources.
func New(logger *observability.Logger, cfg Config, sources ...Source) *Scheduler {
	return &Scheduler{
		sources: sources,
		logger:  logger.WithOperation("scheduler"),
		cfg:     cfg.withDefaults(),
	}
}

// Run ticks until the context is cancelled. The first tick happens
// immediately so a restart does not wait out a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every source once.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, source := range s.sources {
		record := TickRecord{Source: source.Name(), At: time.Now().UTC()}
		start := time.Now()

		cleaned, err := source.CleanupStale(ctx)
		if err != nil {
			s.logger.Error().Err(err).Str("source", source.Name()).Msg("Stale cleanup failed")
			record.Error = err.Error()
		}
		record.CleanedStale = cleaned
		if cleaned > 0 {
			s.logger.Warn().Str("source", source.Name()).Int("count", int(cleaned)).Msg("Swept stale running work")
		}

		stats, err := source.EnqueueDue(ctx, s.cfg.BatchSize)
		if err != nil {
			s.logger.Error().Err(err).Str("source", source.Name()).Msg("Enqueue pass failed")
			record.Error = err.Error()
		}
		record.Stats = stats
		record.Duration = time.Since(start)
		s.record(record)

		if stats.Claimed > 0 {
			s.logger.Info().
				Str("source", source.Name()).
				Int("claimed", stats.Claimed).
				Int("enqueued", stats.Enqueued).
				Int("skipped_missing_plugin", stats.SkippedMissingPlugin).
				Int("skipped_active", stats.SkippedActive).
				Msg("Scheduler tick")
		}
	}
}

func (s *Scheduler) record(r TickRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, r)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

// History returns a copy of the retained tick records, newest last.
func (s *Scheduler) History() []TickRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TickRecord(nil), s.history...)
}
