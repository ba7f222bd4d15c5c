package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkloadQueueNames(t *testing.T) {
	assert.Equal(t, "shu:ingestion", WorkloadIngestion.QueueName())
	assert.Equal(t, "shu:ingestion_ocr", WorkloadIngestionOCR.QueueName())
	assert.Equal(t, "shu:ingestion_embed", WorkloadIngestionEmbed.QueueName())
	assert.Equal(t, "shu:llm_workflow", WorkloadLLMWorkflow.QueueName())
	assert.Equal(t, "shu:maintenance", WorkloadMaintenance.QueueName())
	assert.Equal(t, "shu:profiling", WorkloadProfiling.QueueName())
}

func TestWorkloadValidity(t *testing.T) {
	for _, w := range AllWorkloads {
		assert.True(t, w.IsValid(), string(w))
	}
	assert.False(t, Workload("nonsense").IsValid())
}

func TestWorkloadDefaults(t *testing.T) {
	cases := []struct {
		workload    Workload
		maxAttempts int
		visibility  time.Duration
	}{
		{WorkloadIngestion, 3, 3600 * time.Second},
		{WorkloadIngestionOCR, 3, 600 * time.Second},
		{WorkloadIngestionEmbed, 3, 300 * time.Second},
		{WorkloadLLMWorkflow, 3, 600 * time.Second},
		{WorkloadMaintenance, 3, 300 * time.Second},
		{WorkloadProfiling, 5, 600 * time.Second},
	}
	for _, tc := range cases {
		attempts, visibility := tc.workload.Defaults()
		assert.Equal(t, tc.maxAttempts, attempts, string(tc.workload))
		assert.Equal(t, tc.visibility, visibility, string(tc.workload))
	}
}

func TestEnqueueJobRoutesToWorkloadQueue(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()

	job, err := EnqueueJob(ctx, backend, WorkloadProfiling, map[string]any{"user_id": "u-1"})
	require.NoError(t, err)
	assert.Equal(t, "shu:profiling", job.QueueName)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Equal(t, 600*time.Second, job.VisibilityTimeout)

	got, err := backend.Dequeue(ctx, WorkloadProfiling.QueueName())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "u-1", PayloadString(got.Payload, "user_id"))
}
