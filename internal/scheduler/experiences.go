package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/queue"
	"github.com/shu-ai/shu-core/internal/storage"
)

// ExperienceSource schedules recurring experiences onto the LLM_WORKFLOW
// queue, fanning out one run per active user.
type ExperienceSource struct {
	db         *sql.DB
	backend    queue.Backend
	logger     *observability.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// NewExperienceSource creates the experience source.
func NewExperienceSource(db *sql.DB, backend queue.Backend, logger *observability.Logger, staleAfter time.Duration) *ExperienceSource {
	if staleAfter <= 0 {
		staleAfter = DefaultRunningTimeout
	}
	return &ExperienceSource{
		db:         db,
		backend:    backend,
		logger:     logger.WithOperation("experience_scheduler"),
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Name identifies the source in tick records.
func (s *ExperienceSource) Name() string { return "experiences" }

// CleanupStale fails running experience runs whose heartbeat stopped.
func (s *ExperienceSource) CleanupStale(ctx context.Context) (int64, error) {
	return storage.NewExperienceRunRepository(s.db).FailStale(ctx, s.staleAfter)
}

// EnqueueDue claims due experiences and pre-creates one queued run per
// active user. The next-run time advances exactly once per experience, in
// the creator's timezone when the trigger anchors to a wall-clock time, and
// advances even when there is no one to run for.
func (s *ExperienceSource) EnqueueDue(ctx context.Context, limit int) (SourceStats, error) {
	var stats SourceStats
	var created []*storage.ExperienceRun

	now := s.now()
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		experiences := storage.NewExperienceRepository(tx)
		runs := storage.NewExperienceRunRepository(tx)

		due, err := experiences.ClaimDue(ctx, now, limit)
		if err != nil {
			return fmt.Errorf("claim due experiences: %w", err)
		}
		stats.Claimed = len(due)
		if len(due) == 0 {
			return nil
		}

		userIDs, err := experiences.ListActiveUserIDs(ctx)
		if err != nil {
			return fmt.Errorf("list active users: %w", err)
		}

		for _, exp := range due {
			for _, userID := range userIDs {
				run := &storage.ExperienceRun{
					ExperienceID: exp.ID,
					UserID:       userID,
					Status:       storage.RunStatusQueued,
					InputParams:  json.RawMessage(`{}`),
				}
				if err := runs.Create(ctx, run); err != nil {
					return fmt.Errorf("create run for experience %s: %w", exp.ID, err)
				}
				created = append(created, run)
			}

			next := s.nextRunTime(ctx, experiences, exp, now)
			if err := experiences.ScheduleNext(ctx, exp, now, next); err != nil {
				return fmt.Errorf("advance experience %s: %w", exp.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	runs := storage.NewExperienceRunRepository(s.db)
	for _, run := range created {
		payload := map[string]any{
			"action":        "experience_execution",
			"experience_id": run.ExperienceID,
			"user_id":       run.UserID,
			"run_id":        run.ID,
			"input_params":  map[string]any{},
		}
		if _, err := queue.EnqueueJob(ctx, s.backend, queue.WorkloadLLMWorkflow, payload); err != nil {
			stats.Failed++
			msg := fmt.Sprintf("enqueue failed: %v", err)
			run.Status = storage.RunStatusFailed
			run.ErrorMessage = &msg
			if markErr := runs.Finish(ctx, run); markErr != nil {
				s.logger.Error().Err(markErr).Str("run_id", run.ID).Msg("Failed to fail unenqueued run")
			}
			s.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to enqueue experience run")
			continue
		}
		stats.Enqueued++
	}
	return stats, nil
}

// nextRunTime computes the experience's next due time from its trigger
// config, anchored to the creator's timezone for wall-clock triggers.
func (s *ExperienceSource) nextRunTime(ctx context.Context, experiences *storage.ExperienceRepository, exp *storage.Experience, now time.Time) time.Time {
	cfg := parseTriggerConfig(exp.TriggerConfig)
	if cfg.TimeOfDay == "" {
		interval := time.Duration(cfg.IntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		return now.Add(interval)
	}

	loc := time.UTC
	if tz, err := experiences.CreatorTimezone(ctx, exp); err == nil && tz != "" {
		if parsed, err := time.LoadLocation(tz); err == nil {
			loc = parsed
		} else {
			s.logger.Warn().Str("experience_id", exp.ID).Str("timezone", tz).Msg("Unknown creator timezone, using UTC")
		}
	}
	return nextWallClock(now, cfg, loc)
}

type triggerConfig struct {
	IntervalSeconds int      `json:"interval_seconds"`
	TimeOfDay       string   `json:"time_of_day"` // "15:04" in the creator's timezone
	DaysOfWeek      []string `json:"days_of_week"`
}

func parseTriggerConfig(raw json.RawMessage) triggerConfig {
	var cfg triggerConfig
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &cfg)
	}
	return cfg
}

// nextWallClock finds the next occurrence of the configured local time,
// strictly after now, honoring an optional day-of-week restriction.
func nextWallClock(now time.Time, cfg triggerConfig, loc *time.Location) time.Time {
	t, err := time.Parse("15:04", cfg.TimeOfDay)
	if err != nil {
		return now.Add(24 * time.Hour)
	}

	allowed := map[time.Weekday]bool{}
	for _, day := range cfg.DaysOfWeek {
		if wd, ok := weekdays[strings.ToLower(day)]; ok {
			allowed[wd] = true
		}
	}

	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	for i := 0; i < 8; i++ {
		if candidate.After(local) && (len(allowed) == 0 || allowed[candidate.Weekday()]) {
			return candidate.UTC()
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return now.Add(24 * time.Hour)
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}
