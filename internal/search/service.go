// Package search is the field-based query evaluator plugins use to inspect
// knowledge base contents, plus vector similarity search over chunk
// embeddings. Every query is scoped to the caller's bound knowledge bases.
package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/shu-ai/shu-core/internal/embedding"
	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/storage"
)

// PageSize is the fixed result page size.
const PageSize = 20

// Request is one field query.
type Request struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
	// KnowledgeBaseIDs optionally narrows the search within the caller's
	// bound set. Empty means all bound knowledge bases.
	KnowledgeBaseIDs []string `json:"knowledge_base_ids,omitempty"`
	Page             int      `json:"page,omitempty"` // 1-based
	Sort             string   `json:"sort,omitempty"` // asc or desc
}

// ChunkResult is one chunk hit with its resolved knowledge base name.
type ChunkResult struct {
	ChunkID           string   `json:"chunk_id"`
	DocumentID        string   `json:"document_id"`
	KnowledgeBaseID   string   `json:"knowledge_base_id"`
	KnowledgeBaseName string   `json:"knowledge_base_name"`
	ChunkIndex        int      `json:"chunk_index"`
	Content           string   `json:"content"`
	Summary           *string  `json:"summary,omitempty"`
	Keywords          []string `json:"keywords,omitempty"`
	Topics            []string `json:"topics,omitempty"`
}

// DocumentResult is one document hit with its resolved knowledge base name.
type DocumentResult struct {
	DocumentID         string          `json:"document_id"`
	KnowledgeBaseID    string          `json:"knowledge_base_id"`
	KnowledgeBaseName  string          `json:"knowledge_base_name"`
	Title              string          `json:"title"`
	Synopsis           *string         `json:"synopsis,omitempty"`
	DocumentType       *string         `json:"document_type,omitempty"`
	CapabilityManifest json.RawMessage `json:"capability_manifest,omitempty"`
}

// Page holds one page of results.
type Page[T any] struct {
	Results  []T  `json:"results"`
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasMore  bool `json:"has_more"`
}

// Service evaluates field queries and similarity queries against the store.
type Service struct {
	db        *sql.DB
	embedder  embedding.Embedder
	logger    *observability.Logger
	dimension int
	results   *ResultCache
}

// NewService creates a search service. dimension is the vector column
// dimension; similarity queries whose embedding does not match it are
// rejected rather than silently returning nothing.
func NewService(db *sql.DB, embedder embedding.Embedder, logger *observability.Logger, dimension int) *Service {
	return &Service{
		db:        db,
		embedder:  embedder,
		logger:    logger.WithOperation("search"),
		dimension: dimension,
	}
}

// WithResultCache enables similarity result caching and returns the service.
func (s *Service) WithResultCache(c *ResultCache) *Service {
	s.results = c
	return s
}

// SearchChunks evaluates a field query over document chunks.
func (s *Service) SearchChunks(ctx context.Context, boundKBs []string, req Request) (*Page[ChunkResult], error) {
	kbs, serr := scopeKBs(boundKBs, req.KnowledgeBaseIDs)
	if serr != nil {
		return nil, serr
	}
	page := normalizePage(req.Page)
	if len(kbs) == 0 {
		return &Page[ChunkResult]{Results: []ChunkResult{}, Page: page, PageSize: PageSize}, nil
	}

	pred, serr := buildPredicate(chunkFields, req.Field, "c."+req.Field, req.Operator, req.Value)
	if serr != nil {
		return nil, serr
	}
	order, serr := sortDirection(req.Sort)
	if serr != nil {
		return nil, serr
	}

	next := 2
	query := `
		SELECT c.id, c.document_id, c.knowledge_base_id, kb.name, c.chunk_index,
			c.content, c.summary, c.keywords, c.topics
		FROM document_chunks c
		JOIN knowledge_bases kb ON kb.id = c.knowledge_base_id
		WHERE c.knowledge_base_id = ANY($1) AND ` + renumber(pred.sql, &next) + `
		ORDER BY c.` + req.Field + ` ` + order + `
		LIMIT ` + fmt.Sprint(PageSize+1) + ` OFFSET ` + fmt.Sprint((page-1)*PageSize)

	args := append([]any{pq.Array(kbs)}, pred.args...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var results []ChunkResult
	for rows.Next() {
		var r ChunkResult
		var summary sql.NullString
		var keywords, topics pq.StringArray
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.KnowledgeBaseID,
			&r.KnowledgeBaseName, &r.ChunkIndex, &r.Content, &summary,
			&keywords, &topics); err != nil {
			return nil, fmt.Errorf("scan chunk result: %w", err)
		}
		if summary.Valid {
			r.Summary = &summary.String
		}
		r.Keywords = keywords
		r.Topics = topics
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	return paginate(results, page), nil
}

// SearchDocuments evaluates a field query over documents.
func (s *Service) SearchDocuments(ctx context.Context, boundKBs []string, req Request) (*Page[DocumentResult], error) {
	kbs, serr := scopeKBs(boundKBs, req.KnowledgeBaseIDs)
	if serr != nil {
		return nil, serr
	}
	page := normalizePage(req.Page)
	if len(kbs) == 0 {
		return &Page[DocumentResult]{Results: []DocumentResult{}, Page: page, PageSize: PageSize}, nil
	}

	pred, serr := buildPredicate(documentFields, req.Field, "d."+req.Field, req.Operator, req.Value)
	if serr != nil {
		return nil, serr
	}
	order, serr := sortDirection(req.Sort)
	if serr != nil {
		return nil, serr
	}

	next := 2
	query := `
		SELECT d.id, d.knowledge_base_id, kb.name, d.title, d.synopsis,
			d.document_type, d.capability_manifest
		FROM documents d
		JOIN knowledge_bases kb ON kb.id = d.knowledge_base_id
		WHERE d.knowledge_base_id = ANY($1) AND ` + renumber(pred.sql, &next) + `
		ORDER BY d.` + req.Field + ` ` + order + `
		LIMIT ` + fmt.Sprint(PageSize+1) + ` OFFSET ` + fmt.Sprint((page-1)*PageSize)

	args := append([]any{pq.Array(kbs)}, pred.args...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var results []DocumentResult
	for rows.Next() {
		var r DocumentResult
		var synopsis, docType sql.NullString
		var manifest []byte
		if err := rows.Scan(&r.DocumentID, &r.KnowledgeBaseID, &r.KnowledgeBaseName,
			&r.Title, &synopsis, &docType, &manifest); err != nil {
			return nil, fmt.Errorf("scan document result: %w", err)
		}
		if synopsis.Valid {
			r.Synopsis = &synopsis.String
		}
		if docType.Valid {
			r.DocumentType = &docType.String
		}
		r.CapabilityManifest = manifest
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}

	return paginate(results, page), nil
}

// SimilarChunk is one similarity hit. Score is cosine similarity in [0, 1].
type SimilarChunk struct {
	ChunkID           string  `json:"chunk_id"`
	DocumentID        string  `json:"document_id"`
	KnowledgeBaseID   string  `json:"knowledge_base_id"`
	KnowledgeBaseName string  `json:"knowledge_base_name"`
	ChunkIndex        int     `json:"chunk_index"`
	Content           string  `json:"content"`
	Score             float64 `json:"score"`
}

// SearchSimilar embeds the query and returns the k nearest chunks across the
// bound knowledge bases.
func (s *Service) SearchSimilar(ctx context.Context, boundKBs []string, query string, k int) ([]SimilarChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, invalidValue("query must not be empty")
	}
	if len(boundKBs) == 0 {
		return []SimilarChunk{}, nil
	}
	if k <= 0 {
		k = PageSize
	}

	var cacheKey string
	if s.results != nil {
		cacheKey = s.results.Key(boundKBs, query, k)
		if hit, ok := s.results.Get(ctx, cacheKey); ok {
			return hit, nil
		}
	}

	vec, err := s.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	// Comparing vectors of different dimensions is undefined; failing loudly
	// beats an empty result set that looks like a recall problem.
	if s.dimension > 0 && len(vec) != s.dimension {
		return nil, fmt.Errorf("search: query embedding dimension %d does not match stored dimension %d", len(vec), s.dimension)
	}

	sqlQuery := `
		SELECT c.id, c.document_id, c.knowledge_base_id, kb.name, c.chunk_index,
			c.content, 1 - (c.embedding <=> $1) AS score
		FROM document_chunks c
		JOIN knowledge_bases kb ON kb.id = c.knowledge_base_id
		WHERE c.knowledge_base_id = ANY($2) AND c.embedding IS NOT NULL
		ORDER BY c.embedding <=> $1
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, sqlQuery, storage.Vector(vec), pq.Array(boundKBs), k)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	results := make([]SimilarChunk, 0, k)
	for rows.Next() {
		var r SimilarChunk
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.KnowledgeBaseID,
			&r.KnowledgeBaseName, &r.ChunkIndex, &r.Content, &r.Score); err != nil {
			return nil, fmt.Errorf("scan similarity result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.results != nil {
		s.results.Set(ctx, cacheKey, results)
	}
	return results, nil
}

// scopeKBs narrows the bound set by an optional explicit filter. Asking for
// a knowledge base outside the bound set is a not_found, never a leak.
func scopeKBs(bound, requested []string) ([]string, *Error) {
	if len(requested) == 0 {
		return bound, nil
	}
	boundSet := make(map[string]bool, len(bound))
	for _, id := range bound {
		boundSet[id] = true
	}
	for _, id := range requested {
		if !boundSet[id] {
			return nil, notFound(fmt.Sprintf("knowledge base %q is not accessible", id))
		}
	}
	return requested, nil
}

func sortDirection(sort string) (string, *Error) {
	switch sort {
	case "", "asc":
		return "ASC", nil
	case "desc":
		return "DESC", nil
	default:
		return "", invalidValue(fmt.Sprintf("sort must be asc or desc, got %q", sort))
	}
}

func normalizePage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

// paginate trims the LIMIT page_size+1 probe row into a page with a has-more
// flag.
func paginate[T any](results []T, page int) *Page[T] {
	hasMore := len(results) > PageSize
	if hasMore {
		results = results[:PageSize]
	}
	if results == nil {
		results = []T{}
	}
	return &Page[T]{Results: results, Page: page, PageSize: PageSize, HasMore: hasMore}
}

// renumber rewrites %d placeholder verbs into sequential $n placeholders.
func renumber(sql string, next *int) string {
	for strings.Contains(sql, "%d") {
		sql = strings.Replace(sql, "%d", fmt.Sprintf("$%d", *next), 1)
		*next++
	}
	return sql
}
