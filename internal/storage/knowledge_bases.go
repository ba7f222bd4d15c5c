package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// KnowledgeBaseRepository handles knowledge base persistence, including the
// denormalized document and chunk counters.
type KnowledgeBaseRepository struct {
	db DB
}

// NewKnowledgeBaseRepository creates a new knowledge base repository.
func NewKnowledgeBaseRepository(db DB) *KnowledgeBaseRepository {
	return &KnowledgeBaseRepository{db: db}
}

const kbColumns = `id, name, description, sync_enabled, embedding_model, chunk_size,
	chunk_overlap, status, document_count, total_chunks, owner_id, rag_config,
	created_at, updated_at`

func scanKnowledgeBase(row interface{ Scan(...interface{}) error }) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{}
	var ragConfig []byte
	err := row.Scan(
		&kb.ID, &kb.Name, &kb.Description, &kb.SyncEnabled, &kb.EmbeddingModel,
		&kb.ChunkSize, &kb.ChunkOverlap, &kb.Status, &kb.DocumentCount,
		&kb.TotalChunks, &kb.OwnerID, &ragConfig, &kb.CreatedAt, &kb.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	kb.RAGConfig = rawJSON(ragConfig)
	return kb, nil
}

// Create inserts a new knowledge base.
func (r *KnowledgeBaseRepository) Create(ctx context.Context, kb *KnowledgeBase) error {
	if kb.ID == "" {
		kb.ID = uuid.New().String()
	}
	if kb.Status == "" {
		kb.Status = KnowledgeBaseStatusActive
	}
	now := time.Now().UTC()
	kb.CreatedAt = now
	kb.UpdatedAt = now

	query := `
		INSERT INTO knowledge_bases (` + kbColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		kb.ID, kb.Name, kb.Description, kb.SyncEnabled, kb.EmbeddingModel,
		kb.ChunkSize, kb.ChunkOverlap, kb.Status, kb.DocumentCount,
		kb.TotalChunks, kb.OwnerID, kb.RAGConfig, kb.CreatedAt, kb.UpdatedAt,
	)
	return err
}

// GetByID retrieves a knowledge base by ID.
func (r *KnowledgeBaseRepository) GetByID(ctx context.Context, id string) (*KnowledgeBase, error) {
	query := `SELECT ` + kbColumns + ` FROM knowledge_bases WHERE id = $1`
	return scanKnowledgeBase(r.db.QueryRowContext(ctx, query, id))
}

// ListByOwner retrieves the knowledge bases owned by a user.
func (r *KnowledgeBaseRepository) ListByOwner(ctx context.Context, ownerID string) ([]*KnowledgeBase, error) {
	query := `SELECT ` + kbColumns + ` FROM knowledge_bases WHERE owner_id = $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var kbs []*KnowledgeBase
	for rows.Next() {
		kb, err := scanKnowledgeBase(rows)
		if err != nil {
			return nil, err
		}
		kbs = append(kbs, kb)
	}
	return kbs, rows.Err()
}

// AdjustCounters applies deltas to the denormalized document and chunk
// counters. Ingestion and deletion paths are the only writers.
func (r *KnowledgeBaseRepository) AdjustCounters(ctx context.Context, id string, documentDelta, chunkDelta int) error {
	query := `
		UPDATE knowledge_bases
		SET document_count = document_count + $2,
			total_chunks = total_chunks + $3,
			updated_at = $4
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, documentDelta, chunkDelta, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateStatus changes the knowledge base lifecycle status.
func (r *KnowledgeBaseRepository) UpdateStatus(ctx context.Context, id string, status KnowledgeBaseStatus) error {
	query := `UPDATE knowledge_bases SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Delete removes the knowledge base row. Owned rows are removed first by the
// KB service inside the same transaction.
func (r *KnowledgeBaseRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
