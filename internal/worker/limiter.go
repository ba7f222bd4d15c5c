package worker

import (
	"golang.org/x/sync/semaphore"

	"github.com/shu-ai/shu-core/internal/queue"
)

// CapacityLimiter bounds concurrent jobs per workload across every worker
// goroutine in the process. OCR is memory-heavy and profiling holds LLM
// connections, so both get small fixed limits; unlisted workloads are
// unlimited.
type CapacityLimiter struct {
	limits map[queue.Workload]*semaphore.Weighted
}

// NewCapacityLimiter creates a limiter from per-workload limits. A limit of
// zero or below means unlimited.
func NewCapacityLimiter(limits map[queue.Workload]int64) *CapacityLimiter {
	l := &CapacityLimiter{limits: make(map[queue.Workload]*semaphore.Weighted)}
	for workload, limit := range limits {
		if limit > 0 {
			l.limits[workload] = semaphore.NewWeighted(limit)
		}
	}
	return l
}

// TryAcquire attempts to take one permit for the workload without blocking.
// Always succeeds for unlimited workloads.
func (l *CapacityLimiter) TryAcquire(workload queue.Workload) bool {
	sem, ok := l.limits[workload]
	if !ok {
		return true
	}
	return sem.TryAcquire(1)
}

// Release returns a permit taken by TryAcquire. Must be called exactly once
// per successful acquire; no-op for unlimited workloads.
func (l *CapacityLimiter) Release(workload queue.Workload) {
	if sem, ok := l.limits[workload]; ok {
		sem.Release(1)
	}
}
