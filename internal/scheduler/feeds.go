package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/queue"
	"github.com/shu-ai/shu-core/internal/storage"
)

// PluginAvailability answers whether a plugin can currently run.
type PluginAvailability interface {
	IsAvailable(name string) bool
}

// DefaultRunningTimeout is how long a running execution may go without a
// heartbeat before the sweep declares it dead.
const DefaultRunningTimeout = 10 * time.Minute

// FeedSource schedules plugin feeds onto the INGESTION queue.
type FeedSource struct {
	db           *sql.DB
	backend      queue.Backend
	plugins      PluginAvailability
	logger       *observability.Logger
	fallbackUser string
	staleAfter   time.Duration
	now          func() time.Time
}

// NewFeedSource creates the plugin feed source. fallbackUser covers feeds
// whose owner was removed; empty means such feeds are skipped.
func NewFeedSource(db *sql.DB, backend queue.Backend, plugins PluginAvailability, logger *observability.Logger, fallbackUser string, staleAfter time.Duration) *FeedSource {
	if staleAfter <= 0 {
		staleAfter = DefaultRunningTimeout
	}
	return &FeedSource{
		db:           db,
		backend:      backend,
		plugins:      plugins,
		logger:       logger.WithOperation("feed_scheduler"),
		fallbackUser: fallbackUser,
		staleAfter:   staleAfter,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Name identifies the source in tick records.
func (s *FeedSource) Name() string { return "plugin_feeds" }

// CleanupStale fails running executions whose heartbeat stopped.
func (s *FeedSource) CleanupStale(ctx context.Context) (int64, error) {
	return storage.NewPluginExecutionRepository(s.db).FailStale(ctx, s.staleAfter)
}

// EnqueueDue claims due feeds under row locks, creates pending executions,
// and advances every claimed feed's schedule whether or not it enqueued.
// The claim, the execution rows, and the schedule advance commit as one
// batch; jobs go to the queue after the commit so a worker can never see an
// execution the database does not have.
func (s *FeedSource) EnqueueDue(ctx context.Context, limit int) (SourceStats, error) {
	var stats SourceStats
	var created []*storage.PluginExecution

	now := s.now()
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		feeds := storage.NewPluginFeedRepository(tx)
		executions := storage.NewPluginExecutionRepository(tx)

		due, err := feeds.ClaimDue(ctx, now, limit)
		if err != nil {
			return fmt.Errorf("claim due feeds: %w", err)
		}
		stats.Claimed = len(due)

		for _, feed := range due {
			// Advancing the schedule is unconditional: a feed that cannot
			// run right now must not be re-claimed every tick.
			if err := feeds.ScheduleNext(ctx, feed, now); err != nil {
				return fmt.Errorf("advance feed %s: %w", feed.ID, err)
			}

			if !s.plugins.IsAvailable(feed.PluginName) {
				stats.SkippedMissingPlugin++
				s.logger.Warn().Str("feed_id", feed.ID).Str("plugin", feed.PluginName).Msg("Feed skipped, plugin unavailable")
				continue
			}

			owner := feed.OwnerUserID
			if owner == "" {
				owner = s.fallbackUser
			}
			if owner == "" {
				stats.SkippedNoOwner++
				s.logger.Warn().Str("feed_id", feed.ID).Msg("Feed skipped, no owner and no fallback identity")
				continue
			}

			active, err := executions.HasActive(ctx, feed.ID)
			if err != nil {
				return fmt.Errorf("check active execution for feed %s: %w", feed.ID, err)
			}
			if active {
				stats.SkippedActive++
				continue
			}

			exec := &storage.PluginExecution{
				ScheduleID: feed.ID,
				PluginName: feed.PluginName,
				UserID:     owner,
				AgentKey:   feed.AgentKey,
				Params:     feed.Params,
				Status:     storage.ExecutionStatusPending,
			}
			if err := executions.Create(ctx, exec); err != nil {
				return fmt.Errorf("create execution for feed %s: %w", feed.ID, err)
			}
			created = append(created, exec)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	executions := storage.NewPluginExecutionRepository(s.db)
	for _, exec := range created {
		payload := map[string]any{
			"action":       "plugin_feed_execution",
			"execution_id": exec.ID,
			"schedule_id":  exec.ScheduleID,
			"plugin_name":  exec.PluginName,
			"user_id":      exec.UserID,
			"agent_key":    exec.AgentKey,
			"params":       paramsMap(exec.Params),
		}
		if _, err := queue.EnqueueJob(ctx, s.backend, queue.WorkloadIngestion, payload); err != nil {
			// Leave no pending execution that nothing will ever deliver.
			stats.Failed++
			msg := fmt.Sprintf("enqueue failed: %v", err)
			if markErr := executions.MarkCompleted(ctx, exec.ID, storage.ExecutionStatusFailed, &msg); markErr != nil {
				s.logger.Error().Err(markErr).Str("execution_id", exec.ID).Msg("Failed to fail unenqueued execution")
			}
			s.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to enqueue feed execution")
			continue
		}
		stats.Enqueued++
	}
	return stats, nil
}

func paramsMap(raw json.RawMessage) map[string]any {
	params := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}
	return params
}
