package queue

import (
	"context"
	"time"
)

// Workload classifies jobs by the kind of work they carry. Each workload maps
// to exactly one queue and carries its own retry and lease defaults.
type Workload string

// Workload types.
const (
	WorkloadIngestion      Workload = "ingestion"
	WorkloadIngestionOCR   Workload = "ingestion_ocr"
	WorkloadIngestionEmbed Workload = "ingestion_embed"
	WorkloadLLMWorkflow    Workload = "llm_workflow"
	WorkloadMaintenance    Workload = "maintenance"
	WorkloadProfiling      Workload = "profiling"
)

// AllWorkloads lists every known workload in stable order.
var AllWorkloads = []Workload{
	WorkloadIngestion,
	WorkloadIngestionOCR,
	WorkloadIngestionEmbed,
	WorkloadLLMWorkflow,
	WorkloadMaintenance,
	WorkloadProfiling,
}

// QueueName returns the queue this workload is routed to.
func (w Workload) QueueName() string {
	return "shu:" + string(w)
}

// IsValid reports whether w is a known workload.
func (w Workload) IsValid() bool {
	switch w {
	case WorkloadIngestion, WorkloadIngestionOCR, WorkloadIngestionEmbed,
		WorkloadLLMWorkflow, WorkloadMaintenance, WorkloadProfiling:
		return true
	}
	return false
}

// Defaults returns the retry ceiling and lease duration for the workload.
// Long-running extraction gets a generous lease; profiling gets extra retries
// because LLM calls fail transiently more often than local work.
func (w Workload) Defaults() (maxAttempts int, visibility time.Duration) {
	switch w {
	case WorkloadIngestion:
		return 3, 3600 * time.Second
	case WorkloadIngestionOCR:
		return 3, 600 * time.Second
	case WorkloadIngestionEmbed:
		return 3, 300 * time.Second
	case WorkloadLLMWorkflow:
		return 3, 600 * time.Second
	case WorkloadProfiling:
		return 5, 600 * time.Second
	default:
		return 3, 300 * time.Second
	}
}

// EnqueueJob builds a job with the workload's defaults and enqueues it. This
// is the only sanctioned enqueue path; it keeps routing decisions in one
// place so producers never name queues directly.
func EnqueueJob(ctx context.Context, backend Backend, workload Workload, payload map[string]any) (*Job, error) {
	maxAttempts, visibility := workload.Defaults()
	job := NewJob(workload.QueueName(), payload, maxAttempts, visibility)
	if err := backend.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}
