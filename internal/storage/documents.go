package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DocumentRepository handles document persistence.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `id, knowledge_base_id, source_type, source_id, title, file_type,
	file_size, mime_type, content, content_hash, source_hash, processing_status,
	processing_error, extraction_method, extraction_engine, extraction_confidence,
	extraction_duration, extraction_metadata, source_url, source_modified_at,
	processed_at, word_count, character_count, chunk_count, synopsis,
	synopsis_embedding, document_type, capability_manifest, profiling_status,
	profiling_coverage_percent, relational_context, created_at, updated_at`

func scanDocument(row interface{ Scan(...interface{}) error }) (*Document, error) {
	doc := &Document{}
	var sourceID, docType sql.NullString
	var extractionMeta, capabilityManifest, relationalContext []byte
	err := row.Scan(
		&doc.ID, &doc.KnowledgeBaseID, &doc.SourceType, &sourceID, &doc.Title,
		&doc.FileType, &doc.FileSize, &doc.MimeType, &doc.Content, &doc.ContentHash,
		&doc.SourceHash, &doc.ProcessingStatus, &doc.ProcessingError,
		&doc.ExtractionMethod, &doc.ExtractionEngine, &doc.ExtractionConfidence,
		&doc.ExtractionDuration, &extractionMeta, &doc.SourceURL,
		&doc.SourceModifiedAt, &doc.ProcessedAt, &doc.WordCount, &doc.CharacterCount,
		&doc.ChunkCount, &doc.Synopsis, &doc.SynopsisEmbedding, &docType,
		&capabilityManifest, &doc.ProfilingStatus, &doc.ProfilingCoveragePercent,
		&relationalContext, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	doc.SourceID = sourceID.String
	doc.ExtractionMetadata = rawJSON(extractionMeta)
	doc.CapabilityManifest = rawJSON(capabilityManifest)
	doc.RelationalContext = rawJSON(relationalContext)
	if docType.Valid {
		dt := DocumentType(docType.String)
		doc.DocumentType = &dt
	}
	return doc, nil
}

// Create inserts a new document.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.ProcessingStatus == "" {
		doc.ProcessingStatus = ProcessingStatusPending
	}
	if doc.ProfilingStatus == "" {
		doc.ProfilingStatus = ProfilingStatusPending
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29,
			$30, $31, $32, $33)
	`
	var docType interface{}
	if doc.DocumentType != nil {
		docType = string(*doc.DocumentType)
	}
	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.KnowledgeBaseID, doc.SourceType, doc.SourceID, doc.Title,
		doc.FileType, doc.FileSize, doc.MimeType, doc.Content, doc.ContentHash,
		nullStr(doc.SourceHash), doc.ProcessingStatus, nullStr(doc.ProcessingError),
		nullStr(doc.ExtractionMethod), nullStr(doc.ExtractionEngine),
		doc.ExtractionConfidence, doc.ExtractionDuration, doc.ExtractionMetadata,
		nullStr(doc.SourceURL), doc.SourceModifiedAt, doc.ProcessedAt,
		doc.WordCount, doc.CharacterCount, doc.ChunkCount, nullStr(doc.Synopsis),
		doc.SynopsisEmbedding, docType, doc.CapabilityManifest, doc.ProfilingStatus,
		doc.ProfilingCoveragePercent, doc.RelationalContext, doc.CreatedAt, doc.UpdatedAt,
	)
	return err
}

// GetByID retrieves a document by ID.
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return scanDocument(r.db.QueryRowContext(ctx, query, id))
}

// GetBySource retrieves a document by its (kb, source_type, source_id)
// identity, which is unique.
func (r *DocumentRepository) GetBySource(ctx context.Context, kbID, sourceType, sourceID string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents
		WHERE knowledge_base_id = $1 AND source_type = $2 AND source_id = $3`
	return scanDocument(r.db.QueryRowContext(ctx, query, kbID, sourceType, sourceID))
}

// ListByKnowledgeBase retrieves all documents in a knowledge base.
func (r *DocumentRepository) ListByKnowledgeBase(ctx context.Context, kbID string) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents
		WHERE knowledge_base_id = $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateStatus advances the processing state machine, recording the error
// message when the new status is error and clearing it otherwise.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, id string, status ProcessingStatus, processingError *string) error {
	query := `
		UPDATE documents
		SET processing_status = $2, processing_error = $3, updated_at = $4
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, status, nullStr(processingError), time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateContent replaces content-derived fields after extraction.
func (r *DocumentRepository) UpdateContent(ctx context.Context, doc *Document) error {
	query := `
		UPDATE documents
		SET content = $2, content_hash = $3, source_hash = $4, word_count = $5,
			character_count = $6, extraction_method = $7, extraction_engine = $8,
			extraction_confidence = $9, extraction_duration = $10,
			extraction_metadata = $11, updated_at = $12
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.Content, doc.ContentHash, nullStr(doc.SourceHash),
		doc.WordCount, doc.CharacterCount, nullStr(doc.ExtractionMethod),
		nullStr(doc.ExtractionEngine), doc.ExtractionConfidence,
		doc.ExtractionDuration, doc.ExtractionMetadata, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateChunkStats records content statistics after re-chunking without
// touching the state machine; the profiling path finishes later.
func (r *DocumentRepository) UpdateChunkStats(ctx context.Context, id string, chunkCount, wordCount, charCount int) error {
	query := `
		UPDATE documents
		SET chunk_count = $2, word_count = $3, character_count = $4, updated_at = $5
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, chunkCount, wordCount, charCount, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkProcessed finalizes a successfully ingested document.
func (r *DocumentRepository) MarkProcessed(ctx context.Context, id string, chunkCount int) error {
	now := time.Now().UTC()
	query := `
		UPDATE documents
		SET processing_status = $2, processing_error = NULL, chunk_count = $3,
			processed_at = $4, updated_at = $4
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, ProcessingStatusProcessed, chunkCount, now)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateProfilingResult stores the profiler's document-level output.
func (r *DocumentRepository) UpdateProfilingResult(ctx context.Context, doc *Document) error {
	var docType interface{}
	if doc.DocumentType != nil {
		docType = string(*doc.DocumentType)
	}
	query := `
		UPDATE documents
		SET synopsis = $2, synopsis_embedding = $3, document_type = $4,
			capability_manifest = $5, profiling_status = $6,
			profiling_coverage_percent = $7, relational_context = $8, updated_at = $9
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		doc.ID, nullStr(doc.Synopsis), doc.SynopsisEmbedding, docType,
		doc.CapabilityManifest, doc.ProfilingStatus, doc.ProfilingCoveragePercent,
		doc.RelationalContext, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateProfilingStatus advances only the profiling lifecycle.
func (r *DocumentRepository) UpdateProfilingStatus(ctx context.Context, id string, status ProfilingStatus) error {
	query := `UPDATE documents SET profiling_status = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Touch refreshes updated_at; used by job heartbeats.
func (r *DocumentRepository) Touch(ctx context.Context, id string) error {
	query := `UPDATE documents SET updated_at = $2 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Delete removes a document row. Associated chunks, queries, participants,
// and projects are removed by the caller in the same transaction.
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteByKnowledgeBase removes all document rows in a knowledge base,
// returning the number deleted.
func (r *DocumentRepository) DeleteByKnowledgeBase(ctx context.Context, kbID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE knowledge_base_id = $1`, kbID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
