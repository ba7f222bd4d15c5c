package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ChunkRepository handles document chunk persistence.
type ChunkRepository struct {
	db DB
}

// NewChunkRepository creates a new chunk repository.
func NewChunkRepository(db DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

const chunkColumns = `id, document_id, knowledge_base_id, chunk_index, content,
	embedding, char_count, word_count, start_char, end_char, embedding_model,
	embedding_created_at, chunk_metadata, summary, keywords, topics, created_at`

// CreateBatch inserts chunks for a document. Indexes must be contiguous from
// zero; callers re-chunking a document delete the old rows first.
func (r *ChunkRepository) CreateBatch(ctx context.Context, chunks []*DocumentChunk) error {
	query := `
		INSERT INTO document_chunks (` + chunkColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	now := time.Now().UTC()
	for _, chunk := range chunks {
		if chunk.ID == "" {
			chunk.ID = uuid.New().String()
		}
		chunk.CreatedAt = now
		_, err := r.db.ExecContext(ctx, query,
			chunk.ID, chunk.DocumentID, chunk.KnowledgeBaseID, chunk.ChunkIndex,
			chunk.Content, chunk.Embedding, chunk.CharCount, chunk.WordCount,
			chunk.StartChar, chunk.EndChar, chunk.EmbeddingModel,
			chunk.EmbeddingCreatedAt, chunk.ChunkMetadata, nullStr(chunk.Summary),
			chunk.Keywords, chunk.Topics, chunk.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListByDocument retrieves a document's chunks in index order.
func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID string) ([]*DocumentChunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM document_chunks
		WHERE document_id = $1 ORDER BY chunk_index`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*DocumentChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// GetByID retrieves a chunk by ID.
func (r *ChunkRepository) GetByID(ctx context.Context, id string) (*DocumentChunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM document_chunks WHERE id = $1`
	return scanChunk(r.db.QueryRowContext(ctx, query, id))
}

// UpdateProfile stores the profiler's per-chunk output.
func (r *ChunkRepository) UpdateProfile(ctx context.Context, id string, summary string, keywords, topics []string) error {
	query := `
		UPDATE document_chunks
		SET summary = $2, keywords = $3, topics = $4
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, summary, toStringArray(keywords), toStringArray(topics))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CountByDocument returns the number of chunks for a document.
func (r *ChunkRepository) CountByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_chunks WHERE document_id = $1`, documentID).Scan(&n)
	return n, err
}

// DeleteByDocument removes all chunks of a document, returning how many.
func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteByKnowledgeBase removes all chunks in a knowledge base.
func (r *ChunkRepository) DeleteByKnowledgeBase(ctx context.Context, kbID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM document_chunks WHERE knowledge_base_id = $1`, kbID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanChunk(row interface{ Scan(...interface{}) error }) (*DocumentChunk, error) {
	chunk := &DocumentChunk{}
	var chunkMetadata []byte
	err := row.Scan(
		&chunk.ID, &chunk.DocumentID, &chunk.KnowledgeBaseID, &chunk.ChunkIndex,
		&chunk.Content, &chunk.Embedding, &chunk.CharCount, &chunk.WordCount,
		&chunk.StartChar, &chunk.EndChar, &chunk.EmbeddingModel,
		&chunk.EmbeddingCreatedAt, &chunkMetadata, &chunk.Summary,
		&chunk.Keywords, &chunk.Topics, &chunk.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	chunk.ChunkMetadata = rawJSON(chunkMetadata)
	return chunk, nil
}
