package worker

import (
	"context"
	"time"

	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/queue"
)

// Heartbeat defaults. Long jobs extend their lease well before it expires.
const (
	HeartbeatInterval  = 60 * time.Second
	HeartbeatExtension = 120 * time.Second
)

// TouchFunc refreshes the DB tracking record for a long-running job, proving
// to observers that the worker is still alive.
type TouchFunc func(ctx context.Context) error

// StartHeartbeat keeps a long-running job's lease and tracking record fresh
// until the returned stop function is called. Stop is safe to call from a
// defer on any exit path.
func StartHeartbeat(ctx context.Context, backend queue.Backend, job *queue.Job, logger *observability.Logger, touch TouchFunc) (stop func()) {
	return startHeartbeat(ctx, backend, job, logger, touch, HeartbeatInterval, HeartbeatExtension)
}

func startHeartbeat(ctx context.Context, backend queue.Backend, job *queue.Job, logger *observability.Logger, touch TouchFunc, interval, extension time.Duration) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger = logger.With().Str("job_id", job.ID).Logger()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if touch != nil {
					if err := touch(hbCtx); err != nil {
						logger.Warn().Err(err).Msg("Heartbeat touch failed")
					}
				}

				extended, err := backend.ExtendVisibility(hbCtx, job, extension)
				if err != nil {
					logger.Warn().Err(err).Msg("Failed to extend job visibility")
					continue
				}
				if !extended {
					logger.Warn().Msg("Job lease already expired, it may be running elsewhere")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
