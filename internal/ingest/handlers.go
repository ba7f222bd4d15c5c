package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shu-ai/shu-core/internal/extract"
	"github.com/shu-ai/shu-core/internal/queue"
	"github.com/shu-ai/shu-core/internal/staging"
	"github.com/shu-ai/shu-core/internal/storage"
)

// HandleOCR is the INGESTION_OCR stage: retrieve staged bytes, extract text,
// advance to the embed stage.
func (p *Pipeline) HandleOCR(ctx context.Context, job *queue.Job) error {
	docID := queue.PayloadString(job.Payload, "document_id")
	kbID := queue.PayloadString(job.Payload, "knowledge_base_id")
	stagingKey := queue.PayloadString(job.Payload, "staging_key")
	filename := queue.PayloadString(job.Payload, "filename")
	mode := extract.ParseMode(queue.PayloadString(job.Payload, "ocr_mode"))

	logger := p.logger.WithDocument(docID)
	docs := storage.NewDocumentRepository(p.db)
	kbs := storage.NewKnowledgeBaseRepository(p.db)

	doc, err := docs.GetByID(ctx, docID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted while queued; nothing to extract.
		logger.Warn().Msg("OCR job for missing document, dropping")
		return nil
	}
	if err != nil {
		return p.failOrRetry(ctx, job, docID, fmt.Errorf("load document: %w", err))
	}

	if _, err := kbs.GetByID(ctx, kbID); errors.Is(err, storage.ErrNotFound) {
		logger.Warn().Msg("Knowledge base deleted mid-pipeline, dropping document")
		if delErr := p.staging.Delete(ctx, stagingKey); delErr != nil {
			logger.Warn().Err(delErr).Msg("Failed to clean staged content")
		}
		return nil
	} else if err != nil {
		return p.failOrRetry(ctx, job, docID, fmt.Errorf("load knowledge base: %w", err))
	}

	if err := docs.UpdateStatus(ctx, docID, storage.ProcessingStatusExtracting, nil); err != nil {
		return p.failOrRetry(ctx, job, docID, fmt.Errorf("mark extracting: %w", err))
	}

	// Keep staged bytes until the stage fully succeeds so retries can reuse
	// them.
	content, err := p.staging.RetrieveKeep(ctx, stagingKey)
	if errors.Is(err, staging.ErrMissing) {
		p.markError(ctx, docID, err)
		logger.Error().Err(err).Msg("Staged content expired, marking document failed")
		return nil
	}
	if err != nil {
		return p.failOrRetry(ctx, job, docID, fmt.Errorf("retrieve staged content: %w", err))
	}

	result, err := p.extractor.Extract(ctx, filename, content, mode)
	if err != nil {
		return p.failOrRetry(ctx, job, docID, fmt.Errorf("extract text: %w", err))
	}

	doc.Content = result.Content
	doc.ContentHash = ContentHash([]byte(result.Content))
	doc.WordCount = CountWords(result.Content)
	doc.CharacterCount = len(result.Content)
	doc.ExtractionMethod = &result.Method
	doc.ExtractionEngine = &result.Engine
	confidence := result.Confidence
	doc.ExtractionConfidence = &confidence
	durationSecs := result.Duration.Seconds()
	doc.ExtractionDuration = &durationSecs

	err = storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		txDocs := storage.NewDocumentRepository(tx)
		if err := txDocs.UpdateContent(ctx, doc); err != nil {
			return err
		}
		return txDocs.UpdateStatus(ctx, docID, storage.ProcessingStatusEmbedding, nil)
	})
	if err != nil {
		return p.failOrRetry(ctx, job, docID, fmt.Errorf("persist extraction: %w", err))
	}

	if _, err := queue.EnqueueJob(ctx, p.queue, queue.WorkloadIngestionEmbed, map[string]any{
		"action":            "embed_document",
		"document_id":       docID,
		"knowledge_base_id": kbID,
	}); err != nil {
		// Compensating revert: without the embed job the document would be
		// stuck in EMBEDDING forever.
		if revertErr := docs.UpdateStatus(ctx, docID, storage.ProcessingStatusExtracting, nil); revertErr != nil {
			logger.Error().Err(revertErr).Msg("Failed to revert status after enqueue failure")
		}
		return p.failOrRetry(ctx, job, docID, fmt.Errorf("enqueue embed: %w", err))
	}

	if err := p.staging.Delete(ctx, stagingKey); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete staged content, TTL will clean up")
	}

	logger.Info().
		Str("method", result.Method).
		Str("engine", result.Engine).
		Int("chars", len(result.Content)).
		Msg("Extraction complete")
	return nil
}

// HandleEmbed is the INGESTION_EMBED stage: chunk, embed, and either finish
// the document or hand it to profiling.
func (p *Pipeline) HandleEmbed(ctx context.Context, job *queue.Job) error {
	docID := queue.PayloadString(job.Payload, "document_id")
	logger := p.logger.WithDocument(docID)

	docs := storage.NewDocumentRepository(p.db)
	if _, err := docs.GetByID(ctx, docID); errors.Is(err, storage.ErrNotFound) {
		logger.Warn().Msg("Embed job for missing document, dropping")
		return nil
	} else if err != nil {
		return p.failOrRetry(ctx, job, docID, fmt.Errorf("load document: %w", err))
	}

	if err := docs.UpdateStatus(ctx, docID, storage.ProcessingStatusEmbedding, nil); err != nil {
		return p.failOrRetry(ctx, job, docID, fmt.Errorf("mark embedding: %w", err))
	}

	if err := p.embedDocument(ctx, docID); err != nil {
		if errors.Is(err, ErrKnowledgeBaseNotFound) {
			p.markError(ctx, docID, err)
			logger.Warn().Msg("Knowledge base deleted mid-pipeline, marking document failed")
			return nil
		}
		return p.failOrRetry(ctx, job, docID, err)
	}
	return nil
}

// embedDocument chunks and embeds a document's content, atomically replaces
// its chunks, and advances the state machine. Shared by the embed stage
// handler and the synchronous email path.
func (p *Pipeline) embedDocument(ctx context.Context, docID string) error {
	docs := storage.NewDocumentRepository(p.db)
	kbs := storage.NewKnowledgeBaseRepository(p.db)

	doc, err := docs.GetByID(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	kb, err := kbs.GetByID(ctx, doc.KnowledgeBaseID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrKnowledgeBaseNotFound
	}
	if err != nil {
		return fmt.Errorf("load knowledge base: %w", err)
	}

	chunks := p.buildChunks(doc, kb)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	embeddings, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(embeddings), len(chunks))
	}

	now := time.Now().UTC()
	rows := make([]*storage.DocumentChunk, len(chunks))
	for i, c := range chunks {
		rows[i] = &storage.DocumentChunk{
			DocumentID:         doc.ID,
			KnowledgeBaseID:    doc.KnowledgeBaseID,
			ChunkIndex:         c.Index,
			Content:            c.Content,
			Embedding:          storage.Vector(embeddings[i]),
			CharCount:          len(c.Content),
			WordCount:          CountWords(c.Content),
			StartChar:          c.StartChar,
			EndChar:            c.EndChar,
			EmbeddingModel:     p.embedder.Model(),
			EmbeddingCreatedAt: &now,
			ChunkMetadata:      []byte(fmt.Sprintf(`{"chunk_type":%q}`, c.Type)),
		}
	}

	profile := p.cfg.ProfilingEnabled

	err = storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		txDocs := storage.NewDocumentRepository(tx)
		txChunks := storage.NewChunkRepository(tx)
		txKBs := storage.NewKnowledgeBaseRepository(tx)

		removed, err := txChunks.DeleteByDocument(ctx, doc.ID)
		if err != nil {
			return err
		}
		if err := txChunks.CreateBatch(ctx, rows); err != nil {
			return err
		}
		if err := txKBs.AdjustCounters(ctx, doc.KnowledgeBaseID, 0, len(rows)-int(removed)); err != nil {
			return err
		}

		if profile {
			if err := txDocs.UpdateChunkStats(ctx, doc.ID, len(rows), doc.WordCount, doc.CharacterCount); err != nil {
				return err
			}
			return txDocs.UpdateStatus(ctx, doc.ID, storage.ProcessingStatusProfiling, nil)
		}
		return txDocs.MarkProcessed(ctx, doc.ID, len(rows))
	})
	if err != nil {
		return fmt.Errorf("replace chunks: %w", err)
	}

	if profile {
		if _, err := queue.EnqueueJob(ctx, p.queue, queue.WorkloadProfiling, map[string]any{
			"action":      "profile_document",
			"document_id": doc.ID,
		}); err != nil {
			if revertErr := docs.UpdateStatus(ctx, doc.ID, storage.ProcessingStatusEmbedding, nil); revertErr != nil {
				p.logger.WithDocument(doc.ID).Error().Err(revertErr).Msg("Failed to revert status after enqueue failure")
			}
			return fmt.Errorf("enqueue profiling: %w", err)
		}
	}

	p.logger.WithDocument(doc.ID).Info().
		Int("chunks", len(rows)).
		Bool("profiling", profile).
		Msg("Embedding complete")
	return nil
}

// buildChunks splits document content per the KB's chunking settings.
func (p *Pipeline) buildChunks(doc *storage.Document, kb *storage.KnowledgeBase) []Chunk {
	size := kb.ChunkSize
	if size <= 0 {
		size = p.cfg.DefaultChunkSize
	}
	overlap := kb.ChunkOverlap
	if overlap < 0 || overlap >= size {
		overlap = p.cfg.DefaultOverlap
	}

	if p.cfg.TitleChunkEnabled && doc.Title != "" {
		chunks := ChunkText(doc.Content, size, overlap)
		out := make([]Chunk, 0, len(chunks)+1)
		out = append(out, TitleChunk(doc.Title))
		for _, c := range chunks {
			c.Index++
			out = append(out, c)
		}
		return out
	}

	// Legacy behavior folds the title into the leading chunk.
	content := doc.Content
	if doc.Title != "" {
		content = doc.Title + "\n\n" + content
	}
	return ChunkText(content, size, overlap)
}

// HandleProfile is the PROFILING stage: run the orchestrator and finish the
// document.
func (p *Pipeline) HandleProfile(ctx context.Context, job *queue.Job) error {
	docID := queue.PayloadString(job.Payload, "document_id")
	logger := p.logger.WithDocument(docID)

	docs := storage.NewDocumentRepository(p.db)
	if _, err := docs.GetByID(ctx, docID); errors.Is(err, storage.ErrNotFound) {
		logger.Warn().Msg("Profiling job for missing document, dropping")
		return nil
	} else if err != nil {
		return p.failOrRetry(ctx, job, docID, fmt.Errorf("load document: %w", err))
	}

	// Profiling issues many sequential LLM calls and can outlive the queue
	// lease; the heartbeat extends it and keeps the document row fresh.
	stop := p.heartbeat(ctx, job, func(hctx context.Context) error {
		return docs.Touch(hctx, docID)
	})
	defer stop()

	if err := p.profiler.ProfileDocument(ctx, docID); err != nil {
		return p.failOrRetry(ctx, job, docID, fmt.Errorf("profile document: %w", err))
	}

	if err := docs.UpdateStatus(ctx, docID, storage.ProcessingStatusProcessed, nil); err != nil {
		return p.failOrRetry(ctx, job, docID, fmt.Errorf("mark processed: %w", err))
	}

	logger.Info().Msg("Profiling complete")
	return nil
}

// failOrRetry returns err so the worker requeues while attempts remain; on
// the final attempt the document is marked failed first.
func (p *Pipeline) failOrRetry(ctx context.Context, job *queue.Job, docID string, err error) error {
	if job.Attempts >= job.MaxAttempts {
		p.markError(ctx, docID, err)
	}
	return err
}

func (p *Pipeline) markError(ctx context.Context, docID string, cause error) {
	msg := cause.Error()
	docs := storage.NewDocumentRepository(p.db)
	if err := docs.UpdateStatus(ctx, docID, storage.ProcessingStatusError, &msg); err != nil {
		p.logger.WithDocument(docID).Error().Err(err).Msg("Failed to mark document as errored")
	}
}
