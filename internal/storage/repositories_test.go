package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*DocumentRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDocumentRepository(db), mock
}

func TestDocumentGetByIDNotFound(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery(`SELECT .* FROM documents WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentUpdateStatus(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec(`UPDATE documents`).
		WithArgs("doc-1", string(ProcessingStatusExtracting), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), "doc-1", ProcessingStatusExtracting, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentUpdateStatusMissingRow(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec(`UPDATE documents`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "gone", ProcessingStatusError, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkProcessedSetsChunkCount(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec(`UPDATE documents`).
		WithArgs("doc-1", string(ProcessingStatusProcessed), 7, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkProcessed(context.Background(), "doc-1", 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKnowledgeBaseAdjustCounters(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	repo := NewKnowledgeBaseRepository(db)
	mock.ExpectExec(`UPDATE knowledge_bases`).
		WithArgs("kb-1", 1, 12, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.AdjustCounters(context.Background(), "kb-1", 1, 12))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionHasActive(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	repo := NewPluginExecutionRepository(db)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("sched-1", string(ExecutionStatusPending), string(ExecutionStatusRunning)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	active, err := repo.HasActive(context.Background(), "sched-1")
	require.NoError(t, err)
	assert.True(t, active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionFailStale(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	repo := NewPluginExecutionRepository(db)
	mock.ExpectExec(`UPDATE plugin_executions`).
		WithArgs(string(ExecutionStatusFailed), "stale_timeout", sqlmock.AnyArg(),
			string(ExecutionStatusRunning), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.FailStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedClaimDueUsesSkipLocked(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	repo := NewPluginFeedRepository(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "name", "plugin_name", "agent_key", "owner_user_id", "params",
		"interval_seconds", "enabled", "next_run_at", "last_run_at", "created_at", "updated_at",
	}).AddRow("feed-1", "Inbox sync", "gmail", "agent", "user-1", []byte(`{}`),
		300, true, nil, nil, now, now)

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(now, 10).
		WillReturnRows(rows)

	feeds, err := repo.ClaimDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, "feed-1", feeds[0].ID)
	assert.Equal(t, 300, feeds[0].IntervalSeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedScheduleNextAdvancesInterval(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	repo := NewPluginFeedRepository(db)
	feed := &PluginFeed{ID: "feed-1", IntervalSeconds: 600}
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE plugin_feeds`).
		WithArgs("feed-1", now, now.Add(600*time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.ScheduleNext(context.Background(), feed, now))
	require.NotNil(t, feed.NextRunAt)
	assert.Equal(t, now.Add(600*time.Second), *feed.NextRunAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A freshly scheduled run has NULL step columns until the worker writes
// results; scanning must tolerate that.
func TestRunScanToleratesNullStepColumns(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "experience_id", "user_id", "status", "input_params", "step_states",
		"step_outputs", "result_metadata", "error_message", "finished_at",
		"created_at", "updated_at",
	}).AddRow("run-1", "exp-1", "user-1", string(RunStatusQueued), []byte(`{}`),
		nil, nil, nil, nil, nil, now, now)

	mock.ExpectQuery(`SELECT .* FROM experience_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(rows)

	run, err := NewExperienceRunRepository(db).GetByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{}`), run.InputParams)
	assert.Nil(t, run.StepStates)
	assert.Nil(t, run.StepOutputs)
	assert.Nil(t, run.ResultMetadata)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentScanToleratesNullOptionalColumns(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "knowledge_base_id", "source_type", "source_id", "title", "file_type",
		"file_size", "mime_type", "content", "content_hash", "source_hash",
		"processing_status", "processing_error", "extraction_method",
		"extraction_engine", "extraction_confidence", "extraction_duration",
		"extraction_metadata", "source_url", "source_modified_at", "processed_at",
		"word_count", "character_count", "chunk_count", "synopsis",
		"synopsis_embedding", "document_type", "capability_manifest",
		"profiling_status", "profiling_coverage_percent", "relational_context",
		"created_at", "updated_at",
	}).AddRow("doc-1", "kb-1", "manual", nil, "Notes", "text",
		int64(12), "text/plain", "hello world", "hash", nil,
		string(ProcessingStatusPending), nil, nil,
		nil, nil, nil,
		nil, nil, nil, nil,
		2, 11, 0, nil,
		nil, nil, nil,
		string(ProfilingStatusPending), 0.0, nil,
		now, now)

	mock.ExpectQuery(`SELECT .* FROM documents WHERE id = \$1`).
		WithArgs("doc-1").
		WillReturnRows(rows)

	doc, err := repo.GetByID(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Empty(t, doc.SourceID)
	assert.Nil(t, doc.ExtractionMetadata)
	assert.Nil(t, doc.CapabilityManifest)
	assert.Nil(t, doc.RelationalContext)
	assert.Nil(t, doc.DocumentType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKnowledgeBaseScanToleratesNullRAGConfig(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "name", "description", "sync_enabled", "embedding_model",
		"chunk_size", "chunk_overlap", "status", "document_count", "total_chunks",
		"owner_id", "rag_config", "created_at", "updated_at",
	}).AddRow("kb-1", "Inbox", "", true, "all-MiniLM-L6-v2",
		512, 64, string(KnowledgeBaseStatusActive), 0, 0,
		"user-1", nil, now, now)

	mock.ExpectQuery(`SELECT .* FROM knowledge_bases WHERE id = \$1`).
		WithArgs("kb-1").
		WillReturnRows(rows)

	kb, err := NewKnowledgeBaseRepository(db).GetByID(context.Background(), "kb-1")
	require.NoError(t, err)
	assert.Nil(t, kb.RAGConfig)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE documents`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = WithTx(context.Background(), db, func(tx *sql.Tx) error {
		return NewDocumentRepository(tx).Touch(context.Background(), "doc-1")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := assert.AnError
	err = WithTx(context.Background(), db, func(*sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
