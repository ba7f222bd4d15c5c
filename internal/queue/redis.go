package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on a shared Redis instance. Each queue is
// a ready list plus an in-flight sorted set scored by visibility deadline;
// job bodies live in their own keys so payload bytes survive untouched. Keys
// derive from the queue name, which already carries the shu namespace.
type RedisBackend struct {
	client *redis.Client
}

// NewRedis creates a Redis queue backend and verifies the connection.
func NewRedis(cfg Config) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", ErrConnection, err)
	}

	return &RedisBackend{client: client}, nil
}

// NewRedisBackendFromClient wraps an existing client. Used in tests.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) readyKey(queue string) string {
	return queue + ":ready"
}

func (b *RedisBackend) inflightKey(queue string) string {
	return queue + ":inflight"
}

func (b *RedisBackend) jobKey(queue, id string) string {
	return queue + ":job:" + id
}

// Enqueue appends the job to its queue.
func (b *RedisBackend) Enqueue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(job.QueueName, job.ID), data, 0)
	pipe.RPush(ctx, b.readyKey(job.QueueName), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Dequeue leases the head job for its visibility timeout. Expired leases
// are reclaimed first so crashed-consumer jobs become deliverable again.
func (b *RedisBackend) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	if err := b.reclaimExpired(ctx, queueName); err != nil {
		return nil, err
	}

	id, err := b.client.LPop(ctx, b.readyKey(queueName)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: pop: %w", err)
	}

	job, err := b.loadJob(ctx, queueName, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Job body vanished (acked or discarded out of band); nothing to lease.
		return nil, nil
	}

	now := time.Now().UTC()
	job.Attempts++
	job.LastDeliveredAt = now

	if err := b.saveJob(ctx, job); err != nil {
		return nil, err
	}

	deadline := now.Add(job.VisibilityTimeout)
	if err := b.client.ZAdd(ctx, b.inflightKey(queueName), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		return nil, fmt.Errorf("queue: lease: %w", err)
	}

	return job, nil
}

// Acknowledge permanently removes a leased job.
func (b *RedisBackend) Acknowledge(ctx context.Context, job *Job) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey(job.QueueName), job.ID)
	pipe.Del(ctx, b.jobKey(job.QueueName, job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: acknowledge: %w", err)
	}
	return nil
}

// Reject releases a leased job, either back onto the queue or discarded.
func (b *RedisBackend) Reject(ctx context.Context, job *Job, requeue bool) error {
	if !requeue {
		return b.Acknowledge(ctx, job)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey(job.QueueName), job.ID)
	pipe.Set(ctx, b.jobKey(job.QueueName, job.ID), data, 0)
	pipe.LPush(ctx, b.readyKey(job.QueueName), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	return nil
}

// ExtendVisibility prolongs the lease of a job this consumer still holds.
func (b *RedisBackend) ExtendVisibility(ctx context.Context, job *Job, additional time.Duration) (bool, error) {
	key := b.inflightKey(job.QueueName)

	score, err := b.client.ZScore(ctx, key, job.ID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: lease lookup: %w", err)
	}

	deadline := time.UnixMilli(int64(score))
	if time.Now().After(deadline) {
		return false, nil
	}

	if err := b.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(deadline.Add(additional).UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		return false, fmt.Errorf("queue: extend lease: %w", err)
	}
	return true, nil
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// reclaimExpired returns jobs whose lease elapsed to the front of the queue.
func (b *RedisBackend) reclaimExpired(ctx context.Context, queueName string) error {
	now := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)

	ids, err := b.client.ZRangeByScore(ctx, b.inflightKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: reclaim scan: %w", err)
	}

	for _, id := range ids {
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, b.inflightKey(queueName), id)
		pipe.LPush(ctx, b.readyKey(queueName), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: reclaim: %w", err)
		}
	}
	return nil
}

func (b *RedisBackend) loadJob(ctx context.Context, queueName, id string) (*Job, error) {
	data, err := b.client.Get(ctx, b.jobKey(queueName, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job: %w", err)
	}
	return &job, nil
}

func (b *RedisBackend) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	if err := b.client.Set(ctx, b.jobKey(job.QueueName, job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("queue: save job: %w", err)
	}
	return nil
}

var _ Backend = (*RedisBackend)(nil)
