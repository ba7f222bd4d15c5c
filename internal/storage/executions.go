package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PluginExecutionRepository handles plugin execution tracking records.
type PluginExecutionRepository struct {
	db DB
}

// NewPluginExecutionRepository creates a new plugin execution repository.
func NewPluginExecutionRepository(db DB) *PluginExecutionRepository {
	return &PluginExecutionRepository{db: db}
}

const executionColumns = `id, schedule_id, plugin_name, user_id, agent_key, params,
	status, started_at, completed_at, error, created_at, updated_at`

func scanExecution(row interface{ Scan(...interface{}) error }) (*PluginExecution, error) {
	exec := &PluginExecution{}
	var params []byte
	err := row.Scan(
		&exec.ID, &exec.ScheduleID, &exec.PluginName, &exec.UserID, &exec.AgentKey,
		&params, &exec.Status, &exec.StartedAt, &exec.CompletedAt, &exec.Error,
		&exec.CreatedAt, &exec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	exec.Params = rawJSON(params)
	return exec, nil
}

// Create inserts a new execution record.
func (r *PluginExecutionRepository) Create(ctx context.Context, exec *PluginExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = ExecutionStatusPending
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	query := `
		INSERT INTO plugin_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		exec.ID, exec.ScheduleID, exec.PluginName, exec.UserID, exec.AgentKey,
		exec.Params, exec.Status, exec.StartedAt, exec.CompletedAt, nullStr(exec.Error),
		exec.CreatedAt, exec.UpdatedAt,
	)
	return err
}

// GetByID retrieves an execution by ID.
func (r *PluginExecutionRepository) GetByID(ctx context.Context, id string) (*PluginExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM plugin_executions WHERE id = $1`
	return scanExecution(r.db.QueryRowContext(ctx, query, id))
}

// GetByIDForUpdate retrieves an execution under row lock; the worker uses it
// to guard against double execution. Must run inside a transaction.
func (r *PluginExecutionRepository) GetByIDForUpdate(ctx context.Context, id string) (*PluginExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM plugin_executions WHERE id = $1 FOR UPDATE`
	return scanExecution(r.db.QueryRowContext(ctx, query, id))
}

// HasActive reports whether the schedule already has a pending or running
// execution. The scheduler's idempotency pre-check.
func (r *PluginExecutionRepository) HasActive(ctx context.Context, scheduleID string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM plugin_executions
			WHERE schedule_id = $1 AND status IN ($2, $3)
		)
	`
	err := r.db.QueryRowContext(ctx, query, scheduleID,
		ExecutionStatusPending, ExecutionStatusRunning).Scan(&exists)
	return exists, err
}

// MarkRunning transitions a pending execution to running.
func (r *PluginExecutionRepository) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	query := `
		UPDATE plugin_executions
		SET status = $2, started_at = $3, updated_at = $3
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, ExecutionStatusRunning, startedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkCompleted finalizes an execution, with an error message for failures.
func (r *PluginExecutionRepository) MarkCompleted(ctx context.Context, id string, status ExecutionStatus, execError *string) error {
	now := time.Now().UTC()
	query := `
		UPDATE plugin_executions
		SET status = $2, error = $3, completed_at = $4, updated_at = $4
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, status, nullStr(execError), now)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Reschedule resets an execution to pending with a deferred start, used when
// a provider rate limit pushed the run into the future.
func (r *PluginExecutionRepository) Reschedule(ctx context.Context, id string, startAfter time.Time) error {
	query := `
		UPDATE plugin_executions
		SET status = $2, started_at = $3, updated_at = $4
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, ExecutionStatusPending, startAfter, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Touch refreshes updated_at; called by the worker heartbeat so stale
// cleanup can tell live runs from abandoned ones.
func (r *PluginExecutionRepository) Touch(ctx context.Context, id string) error {
	query := `UPDATE plugin_executions SET updated_at = $2 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailStale marks running executions whose heartbeat stopped long enough ago
// as failed. Returns how many were swept.
func (r *PluginExecutionRepository) FailStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	query := `
		UPDATE plugin_executions
		SET status = $1, error = $2, completed_at = $3, updated_at = $3
		WHERE status = $4 AND updated_at < $5
	`
	res, err := r.db.ExecContext(ctx, query,
		ExecutionStatusFailed, "stale_timeout", time.Now().UTC(),
		ExecutionStatusRunning, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
