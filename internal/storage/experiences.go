package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ExperienceRepository handles scheduled experience definitions.
type ExperienceRepository struct {
	db DB
}

// NewExperienceRepository creates a new experience repository.
func NewExperienceRepository(db DB) *ExperienceRepository {
	return &ExperienceRepository{db: db}
}

const experienceColumns = `id, name, trigger_type, trigger_config, visibility, steps,
	model_configuration_id, created_by, next_run_at, last_run_at, created_at, updated_at`

func scanExperience(row interface{ Scan(...interface{}) error }) (*Experience, error) {
	exp := &Experience{}
	var triggerConfig, steps []byte
	err := row.Scan(
		&exp.ID, &exp.Name, &exp.TriggerType, &triggerConfig, &exp.Visibility,
		&steps, &exp.ModelConfigurationID, &exp.CreatedBy, &exp.NextRunAt,
		&exp.LastRunAt, &exp.CreatedAt, &exp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	exp.TriggerConfig = rawJSON(triggerConfig)
	exp.Steps = rawJSON(steps)
	return exp, nil
}

// Create inserts a new experience.
func (r *ExperienceRepository) Create(ctx context.Context, exp *Experience) error {
	if exp.ID == "" {
		exp.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	exp.CreatedAt = now
	exp.UpdatedAt = now

	query := `
		INSERT INTO experiences (` + experienceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		exp.ID, exp.Name, exp.TriggerType, exp.TriggerConfig, exp.Visibility,
		exp.Steps, nullStr(exp.ModelConfigurationID), exp.CreatedBy, exp.NextRunAt,
		exp.LastRunAt, exp.CreatedAt, exp.UpdatedAt,
	)
	return err
}

// GetByID retrieves an experience by ID.
func (r *ExperienceRepository) GetByID(ctx context.Context, id string) (*Experience, error) {
	query := `SELECT ` + experienceColumns + ` FROM experiences WHERE id = $1`
	return scanExperience(r.db.QueryRowContext(ctx, query, id))
}

// ClaimDue locks and returns due scheduled experiences: scheduled or cron
// trigger, published or admin-only visibility, next run in the past. Skips
// rows locked by other replicas. Must run inside a transaction.
func (r *ExperienceRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Experience, error) {
	query := `
		SELECT ` + experienceColumns + ` FROM experiences
		WHERE trigger_type IN ($1, $2)
			AND visibility IN ($3, $4)
			AND next_run_at IS NOT NULL AND next_run_at <= $5
		ORDER BY next_run_at
		LIMIT $6
		FOR UPDATE SKIP LOCKED
	`
	rows, err := r.db.QueryContext(ctx, query,
		TriggerTypeScheduled, TriggerTypeCron,
		ExperienceVisibilityPublished, ExperienceVisibilityAdminOnly,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exps []*Experience
	for rows.Next() {
		exp, err := scanExperience(rows)
		if err != nil {
			return nil, err
		}
		exps = append(exps, exp)
	}
	return exps, rows.Err()
}

// ScheduleNext advances last_run_at and next_run_at. Called once per due
// experience regardless of fan-out size.
func (r *ExperienceRepository) ScheduleNext(ctx context.Context, exp *Experience, now, next time.Time) error {
	query := `
		UPDATE experiences
		SET last_run_at = $2, next_run_at = $3, updated_at = $2
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, exp.ID, now, next)
	if err != nil {
		return err
	}
	exp.LastRunAt = &now
	exp.NextRunAt = &next
	return requireRow(res)
}

// CreatorTimezone returns the IANA timezone of the experience creator, empty
// when the user has none configured.
func (r *ExperienceRepository) CreatorTimezone(ctx context.Context, exp *Experience) (string, error) {
	var tz sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT timezone FROM users WHERE id = $1`, exp.CreatedBy).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return tz.String, nil
}

// ListActiveUserIDs returns the users scheduled experiences fan out to.
func (r *ExperienceRepository) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM users WHERE active = TRUE ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExperienceRunRepository handles per-user experience run records.
type ExperienceRunRepository struct {
	db DB
}

// NewExperienceRunRepository creates a new experience run repository.
func NewExperienceRunRepository(db DB) *ExperienceRunRepository {
	return &ExperienceRunRepository{db: db}
}

const runColumns = `id, experience_id, user_id, status, input_params, step_states,
	step_outputs, result_metadata, error_message, finished_at, created_at, updated_at`

func scanRun(row interface{ Scan(...interface{}) error }) (*ExperienceRun, error) {
	run := &ExperienceRun{}
	// The JSON columns are NULL until the worker writes step results.
	var inputParams, stepStates, stepOutputs, resultMetadata []byte
	err := row.Scan(
		&run.ID, &run.ExperienceID, &run.UserID, &run.Status, &inputParams,
		&stepStates, &stepOutputs, &resultMetadata, &run.ErrorMessage,
		&run.FinishedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.InputParams = rawJSON(inputParams)
	run.StepStates = rawJSON(stepStates)
	run.StepOutputs = rawJSON(stepOutputs)
	run.ResultMetadata = rawJSON(resultMetadata)
	return run, nil
}

// Create inserts a new run record.
func (r *ExperienceRunRepository) Create(ctx context.Context, run *ExperienceRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = RunStatusQueued
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	query := `
		INSERT INTO experience_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.ExperienceID, run.UserID, run.Status, run.InputParams,
		run.StepStates, run.StepOutputs, run.ResultMetadata,
		nullStr(run.ErrorMessage), run.FinishedAt, run.CreatedAt, run.UpdatedAt,
	)
	return err
}

// GetByID retrieves a run by ID.
func (r *ExperienceRunRepository) GetByID(ctx context.Context, id string) (*ExperienceRun, error) {
	query := `SELECT ` + runColumns + ` FROM experience_runs WHERE id = $1`
	return scanRun(r.db.QueryRowContext(ctx, query, id))
}

// GetByIDForUpdate retrieves a run under row lock; the worker uses it to
// guard against double execution. Must run inside a transaction.
func (r *ExperienceRunRepository) GetByIDForUpdate(ctx context.Context, id string) (*ExperienceRun, error) {
	query := `SELECT ` + runColumns + ` FROM experience_runs WHERE id = $1 FOR UPDATE`
	return scanRun(r.db.QueryRowContext(ctx, query, id))
}

// Requeue resets a run to queued, used when a provider rate limit pushed the
// run back onto the queue.
func (r *ExperienceRunRepository) Requeue(ctx context.Context, id string) error {
	query := `UPDATE experience_runs SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, RunStatusQueued, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkRunning transitions a queued run to running.
func (r *ExperienceRunRepository) MarkRunning(ctx context.Context, id string) error {
	query := `UPDATE experience_runs SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, RunStatusRunning, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Finish finalizes a run with its outputs or error.
func (r *ExperienceRunRepository) Finish(ctx context.Context, run *ExperienceRun) error {
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.UpdatedAt = now
	query := `
		UPDATE experience_runs
		SET status = $2, step_states = $3, step_outputs = $4, result_metadata = $5,
			error_message = $6, finished_at = $7, updated_at = $7
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		run.ID, run.Status, run.StepStates, run.StepOutputs, run.ResultMetadata,
		nullStr(run.ErrorMessage), now,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Touch refreshes updated_at; called by the worker heartbeat.
func (r *ExperienceRunRepository) Touch(ctx context.Context, id string) error {
	query := `UPDATE experience_runs SET updated_at = $2 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailStale marks running runs whose heartbeat stopped as failed.
func (r *ExperienceRunRepository) FailStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	now := time.Now().UTC()
	query := `
		UPDATE experience_runs
		SET status = $1, error_message = $2, finished_at = $3, updated_at = $3
		WHERE status = $4 AND updated_at < $5
	`
	res, err := r.db.ExecContext(ctx, query,
		RunStatusFailed, "stale_timeout", now, RunStatusRunning, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
