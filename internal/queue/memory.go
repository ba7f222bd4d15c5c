package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process queue for tests and single-node setups.
// It mirrors the Redis backend's lease semantics exactly.
type MemoryBackend struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	now    func() time.Time
}

type memoryQueue struct {
	ready    []string
	jobs     map[string]*Job
	inflight map[string]time.Time
}

// NewMemory creates an empty in-process backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{
		queues: make(map[string]*memoryQueue),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (b *MemoryBackend) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{
			jobs:     make(map[string]*Job),
			inflight: make(map[string]time.Time),
		}
		b.queues[name] = q
	}
	return q
}

// Enqueue appends the job to its queue.
func (b *MemoryBackend) Enqueue(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.QueueName)
	copied := *job
	q.jobs[job.ID] = &copied
	q.ready = append(q.ready, job.ID)
	return nil
}

// Dequeue leases the head job, reclaiming expired leases first.
func (b *MemoryBackend) Dequeue(_ context.Context, queueName string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queueName)
	now := b.now()

	for id, deadline := range q.inflight {
		if now.After(deadline) {
			delete(q.inflight, id)
			q.ready = append([]string{id}, q.ready...)
		}
	}

	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]

		job, ok := q.jobs[id]
		if !ok {
			continue
		}

		job.Attempts++
		job.LastDeliveredAt = now
		q.inflight[id] = now.Add(job.VisibilityTimeout)

		copied := *job
		return &copied, nil
	}
	return nil, nil
}

// Acknowledge permanently removes a leased job.
func (b *MemoryBackend) Acknowledge(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.QueueName)
	delete(q.inflight, job.ID)
	delete(q.jobs, job.ID)
	return nil
}

// Reject releases a leased job, either back onto the queue or discarded.
func (b *MemoryBackend) Reject(ctx context.Context, job *Job, requeue bool) error {
	if !requeue {
		return b.Acknowledge(ctx, job)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.QueueName)
	delete(q.inflight, job.ID)
	copied := *job
	q.jobs[job.ID] = &copied
	q.ready = append([]string{job.ID}, q.ready...)
	return nil
}

// ExtendVisibility prolongs a still-held lease.
func (b *MemoryBackend) ExtendVisibility(_ context.Context, job *Job, additional time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.QueueName)
	deadline, ok := q.inflight[job.ID]
	if !ok || b.now().After(deadline) {
		return false, nil
	}
	q.inflight[job.ID] = deadline.Add(additional)
	return true, nil
}

// Close releases nothing; present to satisfy Backend.
func (b *MemoryBackend) Close() error {
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
