package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shu-ai/shu-core/internal/scheduler"
)

var (
	schedulerTick  time.Duration
	schedulerBatch int
)

var runSchedulerCmd = &cobra.Command{
	Use:   "run-scheduler",
	Short: "Run the scheduler process",
	Long: `Ticks over the schedulable sources: due plugin feeds become pending
executions with INGESTION jobs, due experiences fan out per-user runs onto
the LLM_WORKFLOW queue. SKIP LOCKED claims make multiple scheduler replicas
safe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScheduler()
	},
}

func init() {
	runSchedulerCmd.Flags().DurationVar(&schedulerTick, "tick-interval", 0,
		"seconds between ticks (overrides config)")
	runSchedulerCmd.Flags().IntVar(&schedulerBatch, "batch-size", 0,
		"due rows claimed per source per tick (overrides config)")
	rootCmd.AddCommand(runSchedulerCmd)
}

func runScheduler() error {
	a, err := newApp("shu-scheduler")
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	tick := cfg.Scheduler.TickInterval
	if schedulerTick > 0 {
		tick = schedulerTick
	}
	batch := cfg.Scheduler.BatchSize
	if schedulerBatch > 0 {
		batch = schedulerBatch
	}

	feeds := scheduler.NewFeedSource(a.db, a.backend, registry, a.logger,
		cfg.Scheduler.FallbackUserID, cfg.Scheduler.RunningTimeout)
	experiences := scheduler.NewExperienceSource(a.db, a.backend, a.logger,
		cfg.Scheduler.RunningTimeout)

	sched := scheduler.New(a.logger, scheduler.Config{
		TickInterval: tick,
		BatchSize:    batch,
	}, feeds, experiences)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a.logger.Info().Dur("tick_interval", tick).Int("batch_size", batch).Msg("Scheduler starting")
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info().Msg("Scheduler stopped")
	return nil
}
