package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/queue"
)

func newRuntime(t *testing.T, cfg Config) (*Runtime, queue.Backend) {
	t.Helper()
	backend := queue.NewMemory()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	return New(cfg, backend, observability.NopLogger()), backend
}

func runFor(t *testing.T, r *Runtime, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, r.Run(ctx))
}

func TestProcessesAndAcknowledges(t *testing.T) {
	r, backend := newRuntime(t, Config{
		Workloads:   []queue.Workload{queue.WorkloadIngestion},
		Concurrency: 1,
	})

	var processed atomic.Int32
	r.Register(queue.WorkloadIngestion, func(_ context.Context, job *queue.Job) error {
		processed.Add(1)
		return nil
	})

	ctx := context.Background()
	_, err := queue.EnqueueJob(ctx, backend, queue.WorkloadIngestion, map[string]any{"document_id": "doc-1"})
	require.NoError(t, err)

	runFor(t, r, 300*time.Millisecond)

	assert.Equal(t, int32(1), processed.Load())

	// Acknowledged: nothing left to deliver.
	job, err := backend.Dequeue(ctx, queue.WorkloadIngestion.QueueName())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestFailureRequeuesUntilMaxAttempts(t *testing.T) {
	r, backend := newRuntime(t, Config{
		Workloads:   []queue.Workload{queue.WorkloadIngestion},
		Concurrency: 1,
	})

	var attempts atomic.Int32
	r.Register(queue.WorkloadIngestion, func(context.Context, *queue.Job) error {
		attempts.Add(1)
		return errors.New("transient failure")
	})

	ctx := context.Background()
	_, err := queue.EnqueueJob(ctx, backend, queue.WorkloadIngestion, nil)
	require.NoError(t, err)

	runFor(t, r, 500*time.Millisecond)

	// Ingestion allows 3 attempts; the final failure discards the job.
	assert.Equal(t, int32(3), attempts.Load())

	job, err := backend.Dequeue(ctx, queue.WorkloadIngestion.QueueName())
	require.NoError(t, err)
	assert.Nil(t, job, "exhausted job must be discarded")
}

func TestPanicIsTreatedAsFailure(t *testing.T) {
	r, backend := newRuntime(t, Config{
		Workloads:   []queue.Workload{queue.WorkloadIngestion},
		Concurrency: 1,
	})

	var calls atomic.Int32
	r.Register(queue.WorkloadIngestion, func(context.Context, *queue.Job) error {
		calls.Add(1)
		panic("handler exploded")
	})

	_, err := queue.EnqueueJob(context.Background(), backend, queue.WorkloadIngestion, nil)
	require.NoError(t, err)

	runFor(t, r, 500*time.Millisecond)

	assert.Equal(t, int32(3), calls.Load(), "panics retry like errors")
}

func TestUnregisteredWorkloadDiscarded(t *testing.T) {
	r, backend := newRuntime(t, Config{
		Workloads:   []queue.Workload{queue.WorkloadMaintenance},
		Concurrency: 1,
	})

	ctx := context.Background()
	_, err := queue.EnqueueJob(ctx, backend, queue.WorkloadMaintenance, nil)
	require.NoError(t, err)

	runFor(t, r, 200*time.Millisecond)

	job, err := backend.Dequeue(ctx, queue.WorkloadMaintenance.QueueName())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRoundRobinServesAllQueues(t *testing.T) {
	r, backend := newRuntime(t, Config{
		Workloads:   []queue.Workload{queue.WorkloadIngestion, queue.WorkloadProfiling},
		Concurrency: 1,
	})

	var mu sync.Mutex
	served := map[string]int{}
	record := func(_ context.Context, job *queue.Job) error {
		mu.Lock()
		served[job.QueueName]++
		mu.Unlock()
		return nil
	}
	r.Register(queue.WorkloadIngestion, record)
	r.Register(queue.WorkloadProfiling, record)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := queue.EnqueueJob(ctx, backend, queue.WorkloadIngestion, nil)
		require.NoError(t, err)
		_, err = queue.EnqueueJob(ctx, backend, queue.WorkloadProfiling, nil)
		require.NoError(t, err)
	}

	runFor(t, r, 500*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, served["shu:ingestion"])
	assert.Equal(t, 3, served["shu:profiling"])
}

func TestCapacityLimitBoundsConcurrency(t *testing.T) {
	r, backend := newRuntime(t, Config{
		Workloads:      []queue.Workload{queue.WorkloadIngestionOCR},
		Concurrency:    4,
		CapacityLimits: map[queue.Workload]int64{queue.WorkloadIngestionOCR: 1},
	})

	var current, peak atomic.Int32
	r.Register(queue.WorkloadIngestionOCR, func(context.Context, *queue.Job) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := queue.EnqueueJob(ctx, backend, queue.WorkloadIngestionOCR, nil)
		require.NoError(t, err)
	}

	runFor(t, r, 600*time.Millisecond)

	assert.Equal(t, int32(1), peak.Load(), "capacity limit of 1 must serialize OCR jobs")
}

func TestCapacityLimiterUnlimitedByDefault(t *testing.T) {
	l := NewCapacityLimiter(map[queue.Workload]int64{queue.WorkloadProfiling: 2})

	// Unlisted workloads never block.
	for i := 0; i < 100; i++ {
		assert.True(t, l.TryAcquire(queue.WorkloadIngestion))
	}

	assert.True(t, l.TryAcquire(queue.WorkloadProfiling))
	assert.True(t, l.TryAcquire(queue.WorkloadProfiling))
	assert.False(t, l.TryAcquire(queue.WorkloadProfiling))

	l.Release(queue.WorkloadProfiling)
	assert.True(t, l.TryAcquire(queue.WorkloadProfiling))
}

func TestRunRequiresWorkloads(t *testing.T) {
	r, _ := newRuntime(t, Config{Concurrency: 1})
	assert.Error(t, r.Run(context.Background()))
}

func TestHeartbeatExtendsVisibility(t *testing.T) {
	backend := queue.NewMemory()
	ctx := context.Background()

	job, err := queue.EnqueueJob(ctx, backend, queue.WorkloadProfiling, nil)
	require.NoError(t, err)
	leased, err := backend.Dequeue(ctx, queue.WorkloadProfiling.QueueName())
	require.NoError(t, err)

	var touches atomic.Int32
	stop := startHeartbeat(ctx, backend, leased, observability.NopLogger(), func(context.Context) error {
		touches.Add(1)
		return nil
	}, 20*time.Millisecond, time.Minute)

	time.Sleep(90 * time.Millisecond)
	stop()

	assert.GreaterOrEqual(t, touches.Load(), int32(2))

	// Lease was extended, so the job is still invisible.
	other, err := backend.Dequeue(ctx, queue.WorkloadProfiling.QueueName())
	require.NoError(t, err)
	assert.Nil(t, other)
	_ = job
}

func TestHeartbeatStopIsIdempotentOnCancelledContext(t *testing.T) {
	backend := queue.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	job, err := queue.EnqueueJob(ctx, backend, queue.WorkloadProfiling, nil)
	require.NoError(t, err)
	leased, err := backend.Dequeue(ctx, queue.WorkloadProfiling.QueueName())
	require.NoError(t, err)

	stop := startHeartbeat(ctx, backend, leased, observability.NopLogger(), nil, 10*time.Millisecond, time.Minute)
	cancel()
	stop()
	_ = job
}
