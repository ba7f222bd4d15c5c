// Package worker runs the generic queue consumer loop: per-workload capacity
// limits, round-robin polling across queues, retry-aware acknowledgement, and
// graceful shutdown.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/queue"
)

// Handler processes one job. A nil return acknowledges the job; an error
// rejects it, requeued while attempts remain.
type Handler func(ctx context.Context, job *queue.Job) error

// Config configures a worker runtime.
type Config struct {
	// Workloads to serve, in polling order.
	Workloads []queue.Workload
	// Concurrency is the number of cooperative consumer goroutines.
	Concurrency int
	// PollInterval is the idle sleep between empty polling rounds.
	PollInterval time.Duration
	// ShutdownTimeout bounds how long Run waits for in-flight jobs on stop.
	ShutdownTimeout time.Duration
	// CapacityLimits bounds concurrent jobs per workload (0 = unlimited).
	CapacityLimits map[queue.Workload]int64
}

// Runtime is a per-process consumer over a set of workload queues.
type Runtime struct {
	cfg      Config
	backend  queue.Backend
	limiter  *CapacityLimiter
	logger   *observability.Logger
	handlers map[queue.Workload]Handler
}

// New creates a worker runtime. Handlers are registered per workload before
// Run; jobs for unregistered workloads are discarded with an error log.
func New(cfg Config, backend queue.Backend, logger *observability.Logger) *Runtime {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Runtime{
		cfg:      cfg,
		backend:  backend,
		limiter:  NewCapacityLimiter(cfg.CapacityLimits),
		logger:   logger.WithOperation("worker"),
		handlers: make(map[queue.Workload]Handler),
	}
}

// Register installs the handler for a workload.
func (r *Runtime) Register(workload queue.Workload, h Handler) {
	r.handlers[workload] = h
}

// Run starts the consumer goroutines and blocks until ctx is cancelled, then
// waits for in-flight jobs up to the shutdown timeout.
func (r *Runtime) Run(ctx context.Context) error {
	if len(r.cfg.Workloads) == 0 {
		return fmt.Errorf("worker: no workloads configured")
	}

	r.logger.Info().
		Int("concurrency", r.cfg.Concurrency).
		Int("workloads", len(r.cfg.Workloads)).
		Msg("Worker runtime starting")

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.consumeLoop(ctx, id)
		}(i)
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info().Msg("Worker runtime stopped")
		return nil
	case <-time.After(r.cfg.ShutdownTimeout):
		r.logger.Warn().Msg("Shutdown timeout elapsed with jobs still in flight")
		return fmt.Errorf("worker: shutdown timeout after %s", r.cfg.ShutdownTimeout)
	}
}

// RunWithSignals runs until SIGTERM or SIGINT. The signal handler is
// installed once for the whole process regardless of concurrency.
func (r *Runtime) RunWithSignals(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT, os.Interrupt)
	defer stop()
	return r.Run(ctx)
}

// consumeLoop polls queues round-robin. The rotation advances every tick even
// when the selected queue was empty, so one busy queue cannot starve the
// others.
func (r *Runtime) consumeLoop(ctx context.Context, workerID int) {
	logger := r.logger.With().Int("worker_id", workerID).Logger()
	last := -1

	for {
		if ctx.Err() != nil {
			return
		}

		processed := false
		n := len(r.cfg.Workloads)
		for i := 0; i < n; i++ {
			idx := (last + 1 + i) % n
			workload := r.cfg.Workloads[idx]

			if r.processOne(ctx, logger, workload) {
				last = idx
				processed = true
				break
			}
		}

		if !processed {
			last = (last + 1) % n
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval):
			}
		}
	}
}

// processOne tries to lease and handle a single job for the workload.
// Returns true when a job was processed.
func (r *Runtime) processOne(ctx context.Context, logger *observability.Logger, workload queue.Workload) bool {
	if !r.limiter.TryAcquire(workload) {
		return false
	}
	defer r.limiter.Release(workload)

	job, err := r.backend.Dequeue(ctx, workload.QueueName())
	if err != nil {
		logger.Error().Err(err).Str("queue", workload.QueueName()).Msg("Dequeue failed")
		return false
	}
	if job == nil {
		return false
	}

	r.handle(ctx, logger.WithWorkload(string(workload)), workload, job)
	return true
}

func (r *Runtime) handle(ctx context.Context, logger *observability.Logger, workload queue.Workload, job *queue.Job) {
	start := time.Now()
	logger = logger.With().Str("job_id", job.ID).Int("attempt", job.Attempts).Logger()

	handler, ok := r.handlers[workload]
	if !ok {
		logger.Error().Msg("No handler registered for workload, discarding job")
		if err := r.backend.Reject(ctx, job, false); err != nil {
			logger.Error().Err(err).Msg("Failed to discard job")
		}
		return
	}

	err := func() (handlerErr error) {
		defer func() {
			if p := recover(); p != nil {
				handlerErr = fmt.Errorf("worker: handler panic: %v", p)
			}
		}()
		return handler(ctx, job)
	}()

	if err == nil {
		if ackErr := r.backend.Acknowledge(ctx, job); ackErr != nil {
			logger.Error().Err(ackErr).Msg("Failed to acknowledge job")
			return
		}
		logger.Info().Dur("duration", time.Since(start)).Msg("Job completed")
		return
	}

	requeue := job.Attempts < job.MaxAttempts
	if rejErr := r.backend.Reject(ctx, job, requeue); rejErr != nil {
		logger.Error().Err(rejErr).Msg("Failed to reject job")
		return
	}

	if requeue {
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Job failed, requeued")
	} else {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Job failed permanently, discarded")
	}
}
