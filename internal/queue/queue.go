// Package queue provides named FIFO job queues with competing-consumer
// delivery, visibility timeouts, and bounded retry. Two backends satisfy the
// same contract: a shared Redis backend and an in-process backend.
package queue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors.
var (
	ErrConnection = errors.New("queue: connection failure")
	ErrNotLeased  = errors.New("queue: job is not leased")
)

// Job is an in-flight work unit. While leased, exactly one consumer holds it
// until acknowledge, reject, or visibility expiry.
type Job struct {
	ID                string         `json:"id"`
	QueueName         string         `json:"queue_name"`
	Payload           map[string]any `json:"payload"`
	Attempts          int            `json:"attempts"`
	MaxAttempts       int            `json:"max_attempts"`
	VisibilityTimeout time.Duration  `json:"visibility_timeout"`
	EnqueuedAt        time.Time      `json:"enqueued_at"`
	LastDeliveredAt   time.Time      `json:"last_delivered_at"`
}

// NewJob creates a job for the given queue.
func NewJob(queueName string, payload map[string]any, maxAttempts int, visibility time.Duration) *Job {
	return &Job{
		ID:                uuid.New().String(),
		QueueName:         queueName,
		Payload:           payload,
		MaxAttempts:       maxAttempts,
		VisibilityTimeout: visibility,
		EnqueuedAt:        time.Now().UTC(),
	}
}

// Backend is the queue contract. Delivery is at-least-once: consumers must
// be idempotent. FIFO order holds within a queue until a retry intervenes.
type Backend interface {
	// Enqueue appends the job to its queue.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue atomically leases the head job of the queue for the job's
	// visibility timeout, incrementing its attempt count. Returns nil when
	// the queue is empty.
	Dequeue(ctx context.Context, queueName string) (*Job, error)

	// Acknowledge permanently removes a leased job.
	Acknowledge(ctx context.Context, job *Job) error

	// Reject releases a leased job: back onto the queue when requeue is
	// true, discarded otherwise.
	Reject(ctx context.Context, job *Job, requeue bool) error

	// ExtendVisibility prolongs the lease of a job held by this consumer.
	// Returns false when the lease has already expired and the job may have
	// been re-delivered elsewhere.
	ExtendVisibility(ctx context.Context, job *Job, additional time.Duration) (bool, error)

	Close() error
}

// Config selects and configures a backend. A non-empty URL selects Redis.
type Config struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

// New creates a queue backend from config: Redis when a URL is set,
// in-process otherwise. The in-process backend is only valid for
// single-process deployments.
func New(cfg Config) (Backend, error) {
	if cfg.URL != "" {
		return NewRedis(cfg)
	}
	return NewMemory(), nil
}

// PayloadString extracts a string payload field.
func PayloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// PutPayloadBytes stores a binary blob in a payload so it survives the JSON
// round trip intact.
func PutPayloadBytes(payload map[string]any, key string, data []byte) {
	payload[key] = base64.StdEncoding.EncodeToString(data)
}

// PayloadBytes extracts a binary blob stored with PutPayloadBytes.
func PayloadBytes(payload map[string]any, key string) ([]byte, error) {
	s, ok := payload[key].(string)
	if !ok {
		return nil, fmt.Errorf("queue: payload field %q is not a blob", key)
	}
	return base64.StdEncoding.DecodeString(s)
}
