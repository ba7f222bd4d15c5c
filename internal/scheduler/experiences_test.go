package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/queue"
)

func newExperienceSource(t *testing.T, backend queue.Backend) (*ExperienceSource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	src := NewExperienceSource(db, backend, observability.NopLogger(), 0)
	src.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	return src, mock
}

var experienceRowColumns = []string{
	"id", "name", "trigger_type", "trigger_config", "visibility", "steps",
	"model_configuration_id", "created_by", "next_run_at", "last_run_at", "created_at", "updated_at",
}

func experienceRow(id, creator string, triggerConfig []byte) *sqlmock.Rows {
	now := time.Now().UTC()
	due := now.Add(-time.Minute)
	return sqlmock.NewRows(experienceRowColumns).AddRow(
		id, "daily digest", "scheduled", triggerConfig, "published",
		[]byte(`[{"type": "llm_call"}]`), nil, creator, due, nil, now, now,
	)
}

func expectClaimDue(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT .* FROM experiences`).
		WithArgs("scheduled", "cron", "published", "admin_only", sqlmock.AnyArg(), 25).
		WillReturnRows(rows)
}

func TestExperienceEnqueueDueFansOutPerActiveUser(t *testing.T) {
	backend := queue.NewMemory()
	src, mock := newExperienceSource(t, backend)

	mock.ExpectBegin()
	expectClaimDue(mock, experienceRow("exp-1", "creator-1", []byte(`{"interval_seconds": 3600}`)))
	mock.ExpectQuery(`SELECT id FROM users WHERE active = TRUE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1").AddRow("user-2"))
	for i := 0; i < 2; i++ {
		mock.ExpectExec(`INSERT INTO experience_runs`).
			WithArgs(sqlmock.AnyArg(), "exp-1", sqlmock.AnyArg(), "queued",
				[]byte(`{}`), nil, nil, nil, nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	// The schedule advances once per experience, not once per user.
	mock.ExpectExec(`UPDATE experiences`).
		WithArgs("exp-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err := src.EnqueueDue(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 2, stats.Enqueued)

	users := map[string]bool{}
	for i := 0; i < 2; i++ {
		job, err := backend.Dequeue(context.Background(), queue.WorkloadLLMWorkflow.QueueName())
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "experience_execution", queue.PayloadString(job.Payload, "action"))
		assert.Equal(t, "exp-1", queue.PayloadString(job.Payload, "experience_id"))
		assert.NotEmpty(t, queue.PayloadString(job.Payload, "run_id"))
		users[queue.PayloadString(job.Payload, "user_id")] = true
	}
	assert.True(t, users["user-1"])
	assert.True(t, users["user-2"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExperienceEnqueueDueAdvancesWithNoActiveUsers(t *testing.T) {
	backend := queue.NewMemory()
	src, mock := newExperienceSource(t, backend)

	mock.ExpectBegin()
	expectClaimDue(mock, experienceRow("exp-1", "creator-1", []byte(`{"interval_seconds": 3600}`)))
	mock.ExpectQuery(`SELECT id FROM users WHERE active = TRUE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	// No runs, but the schedule still moves forward.
	mock.ExpectExec(`UPDATE experiences`).
		WithArgs("exp-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err := src.EnqueueDue(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Claimed)
	assert.Zero(t, stats.Enqueued)

	job, err := backend.Dequeue(context.Background(), queue.WorkloadLLMWorkflow.QueueName())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExperienceEnqueueDueIntervalSchedule(t *testing.T) {
	backend := queue.NewMemory()
	src, mock := newExperienceSource(t, backend)
	now := src.now()

	mock.ExpectBegin()
	expectClaimDue(mock, experienceRow("exp-1", "creator-1", []byte(`{"interval_seconds": 3600}`)))
	mock.ExpectQuery(`SELECT id FROM users WHERE active = TRUE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`UPDATE experiences`).
		WithArgs("exp-1", now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := src.EnqueueDue(context.Background(), 25)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExperienceEnqueueDueWallClockUsesCreatorTimezone(t *testing.T) {
	backend := queue.NewMemory()
	src, mock := newExperienceSource(t, backend)
	now := src.now() // 12:00 UTC, a Friday

	mock.ExpectBegin()
	expectClaimDue(mock, experienceRow("exp-1", "creator-1", []byte(`{"time_of_day": "09:00"}`)))
	mock.ExpectQuery(`SELECT id FROM users WHERE active = TRUE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT timezone FROM users`).
		WithArgs("creator-1").
		WillReturnRows(sqlmock.NewRows([]string{"timezone"}).AddRow("America/New_York"))
	// 09:00 New York on 2026-05-01 (EDT) is 13:00 UTC, still ahead of now.
	mock.ExpectExec(`UPDATE experiences`).
		WithArgs("exp-1", now, time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := src.EnqueueDue(context.Background(), 25)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExperienceCleanupStaleSweepsRunningRuns(t *testing.T) {
	src, mock := newExperienceSource(t, queue.NewMemory())

	mock.ExpectExec(`UPDATE experience_runs`).
		WithArgs("failed", "stale_timeout", sqlmock.AnyArg(), "running", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	cleaned, err := src.CleanupStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), cleaned)
	assert.NoError(t, mock.ExpectationsWereMet())
}
