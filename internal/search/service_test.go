package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shu-ai/shu-core/internal/cache"
	"github.com/shu-ai/shu-core/internal/embedding"
	"github.com/shu-ai/shu-core/internal/observability"
)

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db, embedding.NewMockClient(8), observability.NopLogger(), 8), mock
}

func searchErr(t *testing.T, err error) *Error {
	t.Helper()
	var serr *Error
	require.ErrorAs(t, err, &serr)
	return serr
}

func TestSearchChunksInvalidField(t *testing.T) {
	s, _ := newService(t)

	_, err := s.SearchChunks(context.Background(), []string{"kb-1"}, Request{
		Field: "embedding", Operator: "eq", Value: "x",
	})
	assert.Equal(t, CodeInvalidField, searchErr(t, err).Code)
}

func TestSearchChunksInvalidOperator(t *testing.T) {
	s, _ := newService(t)

	// has_any is an array operator, not a text one.
	_, err := s.SearchChunks(context.Background(), []string{"kb-1"}, Request{
		Field: "content", Operator: "has_any", Value: "x",
	})
	assert.Equal(t, CodeInvalidOperator, searchErr(t, err).Code)
}

func TestSearchChunksInvalidValue(t *testing.T) {
	s, _ := newService(t)

	_, err := s.SearchChunks(context.Background(), []string{"kb-1"}, Request{
		Field: "content", Operator: "eq", Value: 42,
	})
	assert.Equal(t, CodeInvalidValue, searchErr(t, err).Code)
}

func TestSearchChunksOutOfScopeKnowledgeBase(t *testing.T) {
	s, _ := newService(t)

	_, err := s.SearchChunks(context.Background(), []string{"kb-1"}, Request{
		Field: "content", Operator: "icontains", Value: "x",
		KnowledgeBaseIDs: []string{"kb-2"},
	})
	assert.Equal(t, CodeNotFound, searchErr(t, err).Code)
}

func TestSearchChunksEmptyBoundSet(t *testing.T) {
	s, _ := newService(t)

	page, err := s.SearchChunks(context.Background(), nil, Request{
		Field: "content", Operator: "icontains", Value: "x",
	})
	require.NoError(t, err)
	assert.Empty(t, page.Results)
	assert.False(t, page.HasMore)
}

func chunkResultRows(n int) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "document_id", "knowledge_base_id", "name", "chunk_index",
		"content", "summary", "keywords", "topics",
	})
	for i := 0; i < n; i++ {
		rows.AddRow(fmt.Sprintf("c-%d", i), "doc-1", "kb-1", "Work KB", i,
			"budget review notes", "summary", "{budget}", "{finance}")
	}
	return rows
}

func TestSearchChunksResolvesKBName(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery(`SELECT .* FROM document_chunks c\s+JOIN knowledge_bases kb`).
		WithArgs(sqlmock.AnyArg(), "%budget%").
		WillReturnRows(chunkResultRows(2))

	page, err := s.SearchChunks(context.Background(), []string{"kb-1"}, Request{
		Field: "content", Operator: "icontains", Value: "budget",
	})
	require.NoError(t, err)
	require.Len(t, page.Results, 2)
	assert.Equal(t, "Work KB", page.Results[0].KnowledgeBaseName)
	assert.Equal(t, []string{"budget"}, page.Results[0].Keywords)
	assert.False(t, page.HasMore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchChunksPagination(t *testing.T) {
	s, mock := newService(t)

	// Probe row past the page size flips has_more.
	mock.ExpectQuery(`LIMIT 21 OFFSET 20`).
		WillReturnRows(chunkResultRows(PageSize + 1))

	page, err := s.SearchChunks(context.Background(), []string{"kb-1"}, Request{
		Field: "content", Operator: "icontains", Value: "budget", Page: 2,
	})
	require.NoError(t, err)
	assert.Len(t, page.Results, PageSize)
	assert.True(t, page.HasMore)
	assert.Equal(t, 2, page.Page)
}

func TestSearchDocumentsManifestHasKey(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery(`jsonb_exists\(d\.capability_manifest, \$2\)`).
		WithArgs(sqlmock.AnyArg(), "answers").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "knowledge_base_id", "name", "title", "synopsis",
			"document_type", "capability_manifest",
		}).AddRow("doc-1", "kb-1", "Work KB", "Q1 Report", "A report.",
			"transactional", []byte(`{"answers": []}`)))

	page, err := s.SearchDocuments(context.Background(), []string{"kb-1"}, Request{
		Field: "capability_manifest", Operator: "has_key", Value: "answers",
	})
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "transactional", *page.Results[0].DocumentType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchDocumentsInvalidSort(t *testing.T) {
	s, _ := newService(t)

	_, err := s.SearchDocuments(context.Background(), []string{"kb-1"}, Request{
		Field: "title", Operator: "eq", Value: "x", Sort: "sideways",
	})
	assert.Equal(t, CodeInvalidValue, searchErr(t, err).Code)
}

func TestSearchSimilarDimensionMismatch(t *testing.T) {
	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	// Embedder produces 8-dim vectors but the store holds 384-dim columns.
	s := NewService(db, embedding.NewMockClient(8), observability.NopLogger(), 384)
	_, err = s.SearchSimilar(context.Background(), []string{"kb-1"}, "budget", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestSearchSimilarReturnsScoredChunks(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery(`ORDER BY c\.embedding <=> \$1`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "document_id", "knowledge_base_id", "name", "chunk_index", "content", "score",
		}).AddRow("c-1", "doc-1", "kb-1", "Work KB", 0, "budget notes", 0.92))

	results, err := s.SearchSimilar(context.Background(), []string{"kb-1"}, "budget", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.92, results[0].Score, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchSimilarUsesResultCache(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mem := cache.NewMemory(0)
	defer mem.Close()

	s := NewService(db, embedding.NewMockClient(8), observability.NopLogger(), 8).
		WithResultCache(NewResultCache(mem, observability.NopLogger(), 0))

	mock.ExpectQuery(`ORDER BY c\.embedding <=> \$1`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "document_id", "knowledge_base_id", "name", "chunk_index", "content", "score",
		}).AddRow("c-1", "doc-1", "kb-1", "Work KB", 0, "budget notes", 0.92))

	first, err := s.SearchSimilar(context.Background(), []string{"kb-1"}, "budget", 5)
	require.NoError(t, err)

	// Second call is served from cache; no second query expectation exists.
	second, err := s.SearchSimilar(context.Background(), []string{"kb-1"}, "budget", 5)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type flakyCache struct {
	cache.Cache
	err error
}

func (c *flakyCache) GetBytes(context.Context, string) ([]byte, error) {
	return nil, c.err
}

// Backends wrap the not-found sentinel; a wrapped miss is still a plain miss
// and must not be logged as a failure.
func TestResultCacheMissOnWrappedNotFound(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Output: &buf})

	wrapped := fmt.Errorf("cache: redis get bytes: %w", cache.ErrNotFound)
	rc := NewResultCache(&flakyCache{err: wrapped}, logger, 0)

	results, ok := rc.Get(context.Background(), "search:similar:abc")
	assert.Nil(t, results)
	assert.False(t, ok)
	assert.Empty(t, buf.String())
}

func TestResultCacheLogsRealReadFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Output: &buf})

	rc := NewResultCache(&flakyCache{err: errors.New("connection reset")}, logger, 0)

	_, ok := rc.Get(context.Background(), "search:similar:abc")
	assert.False(t, ok)
	assert.Contains(t, buf.String(), "Search cache read failed")
}

func TestErrorResponseShape(t *testing.T) {
	serr := invalidOperator("between", "content")
	resp := serr.Response()
	assert.Equal(t, "error", resp["status"])
	inner := resp["error"].(map[string]any)
	assert.Equal(t, "invalid_operator", inner["code"])

	var generic error = serr
	var back *Error
	assert.True(t, errors.As(generic, &back))
}
