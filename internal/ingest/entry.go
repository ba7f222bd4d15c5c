// Package ingest implements the document ingestion pipeline: entry points
// that admit content into a knowledge base, and the queue stage handlers
// that move documents through extraction, embedding, and profiling.
package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shu-ai/shu-core/internal/embedding"
	"github.com/shu-ai/shu-core/internal/extract"
	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/queue"
	"github.com/shu-ai/shu-core/internal/staging"
	"github.com/shu-ai/shu-core/internal/storage"
	"github.com/shu-ai/shu-core/internal/worker"
)

// ErrKnowledgeBaseNotFound is returned when the target KB does not exist.
var ErrKnowledgeBaseNotFound = errors.New("ingest: knowledge base not found")

// DocumentProfiler enriches a processed document. Implemented by the
// profiling orchestrator.
type DocumentProfiler interface {
	ProfileDocument(ctx context.Context, documentID string) error
}

// Config holds pipeline tuning.
type Config struct {
	TitleChunkEnabled bool
	ProfilingEnabled  bool
	EmbedBatchSize    int
	DefaultChunkSize  int
	DefaultOverlap    int
}

// Pipeline owns ingestion entry points and stage handlers.
type Pipeline struct {
	db        *sql.DB
	queue     queue.Backend
	staging   *staging.Service
	extractor *extract.TextExtractor
	embedder  embedding.Embedder
	profiler  DocumentProfiler
	logger    *observability.Logger
	cfg       Config

	// heartbeat wraps worker.StartHeartbeat, settable in tests.
	heartbeat func(ctx context.Context, job *queue.Job, touch worker.TouchFunc) func()
}

// NewPipeline creates the ingestion pipeline.
func NewPipeline(db *sql.DB, q queue.Backend, st *staging.Service, ex *extract.TextExtractor,
	emb embedding.Embedder, profiler DocumentProfiler, logger *observability.Logger, cfg Config) *Pipeline {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 50
	}
	if cfg.DefaultChunkSize <= 0 {
		cfg.DefaultChunkSize = 512
	}
	if cfg.DefaultOverlap < 0 {
		cfg.DefaultOverlap = 64
	}
	p := &Pipeline{
		db:        db,
		queue:     q,
		staging:   st,
		extractor: ex,
		embedder:  emb,
		profiler:  profiler,
		logger:    logger.WithOperation("ingest"),
		cfg:       cfg,
	}
	p.heartbeat = func(ctx context.Context, job *queue.Job, touch worker.TouchFunc) func() {
		return worker.StartHeartbeat(ctx, p.queue, job, p.logger, touch)
	}
	return p
}

// ContentHash returns the canonical SHA-256 hex digest of content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// PluginSourceType returns the source_type label for plugin-ingested
// documents.
func PluginSourceType(plugin string) string {
	return "plugin:" + plugin
}

// DocumentRequest admits a binary file for asynchronous extraction.
type DocumentRequest struct {
	KnowledgeBaseID string
	Plugin          string
	UserID          string
	Content         []byte
	Filename        string
	MimeType        string
	SourceID        string
	SourceURL       string
	SourceHash      *string
	OCRMode         string
	ForceReingest   bool
}

// IngestResult reports what an entry point did.
type IngestResult struct {
	Document *storage.Document
	Skipped  bool
}

// IngestDocument validates and records an uploaded file, stages its bytes,
// and enqueues the OCR stage. Returns immediately; extraction is async.
func (p *Pipeline) IngestDocument(ctx context.Context, req DocumentRequest) (*IngestResult, error) {
	if err := extract.ValidateSignature(req.Filename, req.Content); err != nil {
		return nil, err
	}

	hash := ContentHash(req.Content)
	upsert, err := p.upsertDocument(ctx, upsertRequest{
		kbID:          req.KnowledgeBaseID,
		sourceType:    PluginSourceType(req.Plugin),
		sourceID:      req.SourceID,
		title:         req.Filename,
		fileType:      fileTypeOf(req.Filename),
		fileSize:      int64(len(req.Content)),
		mimeType:      req.MimeType,
		content:       "",
		contentHash:   hash,
		sourceHash:    req.SourceHash,
		sourceURL:     req.SourceURL,
		forceReingest: req.ForceReingest,
	})
	if err != nil {
		return nil, err
	}
	if upsert.Skipped {
		return upsert, nil
	}
	doc := upsert.Document

	stagingKey, err := p.staging.Stage(ctx, doc.ID, req.Content)
	if err != nil {
		return nil, fmt.Errorf("ingest: stage %s: %w", doc.ID, err)
	}

	payload := map[string]any{
		"action":            "extract_text",
		"document_id":       doc.ID,
		"knowledge_base_id": doc.KnowledgeBaseID,
		"filename":          req.Filename,
		"mime_type":         req.MimeType,
		"source_id":         req.SourceID,
		"staging_key":       stagingKey,
	}
	if req.OCRMode != "" {
		payload["ocr_mode"] = req.OCRMode
	}
	if _, err := queue.EnqueueJob(ctx, p.queue, queue.WorkloadIngestionOCR, payload); err != nil {
		return nil, fmt.Errorf("ingest: enqueue ocr: %w", err)
	}

	p.logger.WithDocument(doc.ID).Info().
		Str("filename", req.Filename).
		Int("size_bytes", len(req.Content)).
		Msg("Document admitted for extraction")
	return upsert, nil
}

// TextRequest admits pre-extracted text content.
type TextRequest struct {
	KnowledgeBaseID string
	Plugin          string
	UserID          string
	Title           string
	Content         string
	SourceID        string
	SourceURL       string
	SourceHash      *string
	FileType        string // defaults to "text"
	ForceReingest   bool
}

// IngestText records text content and enqueues the embed stage directly,
// skipping OCR.
func (p *Pipeline) IngestText(ctx context.Context, req TextRequest) (*IngestResult, error) {
	fileType := req.FileType
	if fileType == "" {
		fileType = "text"
	}

	upsert, err := p.upsertDocument(ctx, upsertRequest{
		kbID:          req.KnowledgeBaseID,
		sourceType:    PluginSourceType(req.Plugin),
		sourceID:      req.SourceID,
		title:         req.Title,
		fileType:      fileType,
		fileSize:      int64(len(req.Content)),
		mimeType:      "text/plain",
		content:       req.Content,
		contentHash:   ContentHash([]byte(req.Content)),
		sourceHash:    req.SourceHash,
		sourceURL:     req.SourceURL,
		forceReingest: req.ForceReingest,
	})
	if err != nil {
		return nil, err
	}
	if upsert.Skipped {
		return upsert, nil
	}
	doc := upsert.Document

	if _, err := queue.EnqueueJob(ctx, p.queue, queue.WorkloadIngestionEmbed, map[string]any{
		"action":            "embed_document",
		"document_id":       doc.ID,
		"knowledge_base_id": doc.KnowledgeBaseID,
	}); err != nil {
		return nil, fmt.Errorf("ingest: enqueue embed: %w", err)
	}

	p.logger.WithDocument(doc.ID).Info().Str("title", req.Title).Msg("Text admitted for embedding")
	return upsert, nil
}

// ThreadRequest admits a conversation thread.
type ThreadRequest struct {
	KnowledgeBaseID string
	Plugin          string
	UserID          string
	Title           string
	Content         string
	ThreadID        string
	SourceHash      *string
	ForceReingest   bool
}

// IngestThread records a conversation thread as a text document keyed by its
// thread ID.
func (p *Pipeline) IngestThread(ctx context.Context, req ThreadRequest) (*IngestResult, error) {
	return p.IngestText(ctx, TextRequest{
		KnowledgeBaseID: req.KnowledgeBaseID,
		Plugin:          req.Plugin,
		UserID:          req.UserID,
		Title:           req.Title,
		Content:         req.Content,
		SourceID:        req.ThreadID,
		SourceHash:      req.SourceHash,
		FileType:        "thread",
		ForceReingest:   req.ForceReingest,
	})
}

// EmailRequest admits one email message.
type EmailRequest struct {
	KnowledgeBaseID string
	Plugin          string
	UserID          string
	Subject         string
	Sender          string
	Recipients      []string
	Date            time.Time
	MessageID       string
	ThreadID        string
	BodyText        string
	BodyHTML        string
	Labels          []string
	SourceHash      *string
	ForceReingest   bool
}

// IngestEmail canonicalizes an email into header+body text, embeds it
// synchronously (email bodies are small and already text), and enqueues
// profiling when enabled.
func (p *Pipeline) IngestEmail(ctx context.Context, req EmailRequest) (*IngestResult, error) {
	content := canonicalEmail(req)

	upsert, err := p.upsertDocument(ctx, upsertRequest{
		kbID:          req.KnowledgeBaseID,
		sourceType:    PluginSourceType(req.Plugin),
		sourceID:      req.MessageID,
		title:         req.Subject,
		fileType:      "email",
		fileSize:      int64(len(content)),
		mimeType:      "message/rfc822",
		content:       content,
		contentHash:   ContentHash([]byte(content)),
		sourceHash:    req.SourceHash,
		forceReingest: req.ForceReingest,
	})
	if err != nil {
		return nil, err
	}
	if upsert.Skipped {
		return upsert, nil
	}
	doc := upsert.Document

	if err := p.embedDocument(ctx, doc.ID); err != nil {
		return nil, fmt.Errorf("ingest: embed email %s: %w", doc.ID, err)
	}

	p.logger.WithDocument(doc.ID).Info().Str("message_id", req.MessageID).Msg("Email ingested")
	return upsert, nil
}

// canonicalEmail builds the stable header+body representation that hashing
// and embedding operate on.
func canonicalEmail(req EmailRequest) string {
	var b strings.Builder
	b.WriteString("Subject: " + req.Subject + "\n")
	b.WriteString("From: " + req.Sender + "\n")
	b.WriteString("To: " + strings.Join(req.Recipients, ", ") + "\n")
	if !req.Date.IsZero() {
		b.WriteString("Date: " + req.Date.UTC().Format(time.RFC3339) + "\n")
	}
	if req.ThreadID != "" {
		b.WriteString("Thread: " + req.ThreadID + "\n")
	}
	if len(req.Labels) > 0 {
		b.WriteString("Labels: " + strings.Join(req.Labels, ", ") + "\n")
	}
	b.WriteString("\n")
	body := req.BodyText
	if body == "" {
		body = stripHTML(req.BodyHTML)
	}
	b.WriteString(body)
	return b.String()
}

// stripHTML is a minimal tag stripper for HTML-only email bodies.
func stripHTML(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

type upsertRequest struct {
	kbID          string
	sourceType    string
	sourceID      string
	title         string
	fileType      string
	fileSize      int64
	mimeType      string
	content       string
	contentHash   string
	sourceHash    *string
	sourceURL     string
	forceReingest bool
}

// upsertDocument applies the shared idempotency rule: an unchanged document
// that already processed, or deterministically failed on the same content,
// is skipped unless the caller forces re-ingestion.
func (p *Pipeline) upsertDocument(ctx context.Context, req upsertRequest) (*IngestResult, error) {
	var result *IngestResult

	err := storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		docs := storage.NewDocumentRepository(tx)
		kbs := storage.NewKnowledgeBaseRepository(tx)

		if _, err := kbs.GetByID(ctx, req.kbID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrKnowledgeBaseNotFound
			}
			return err
		}

		existing, err := docs.GetBySource(ctx, req.kbID, req.sourceType, req.sourceID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		if existing != nil {
			if !req.forceReingest && existing.HashMatches(req.contentHash, req.sourceHash) &&
				(existing.ProcessingStatus == storage.ProcessingStatusProcessed ||
					existing.ProcessingStatus == storage.ProcessingStatusError) {
				result = &IngestResult{Document: existing, Skipped: true}
				return nil
			}

			existing.Title = req.title
			existing.FileType = req.fileType
			existing.FileSize = req.fileSize
			existing.MimeType = req.mimeType
			existing.Content = req.content
			existing.ContentHash = req.contentHash
			existing.SourceHash = req.sourceHash
			existing.WordCount = CountWords(req.content)
			existing.CharacterCount = len(req.content)
			existing.ExtractionMethod = nil
			existing.ExtractionEngine = nil
			existing.ExtractionConfidence = nil
			existing.ExtractionDuration = nil
			existing.ExtractionMetadata = nil
			if err := docs.UpdateContent(ctx, existing); err != nil {
				return err
			}
			if err := docs.UpdateStatus(ctx, existing.ID, storage.ProcessingStatusPending, nil); err != nil {
				return err
			}
			existing.ProcessingStatus = storage.ProcessingStatusPending
			result = &IngestResult{Document: existing}
			return nil
		}

		doc := &storage.Document{
			KnowledgeBaseID:  req.kbID,
			SourceType:       req.sourceType,
			SourceID:         req.sourceID,
			Title:            req.title,
			FileType:         req.fileType,
			FileSize:         req.fileSize,
			MimeType:         req.mimeType,
			Content:          req.content,
			ContentHash:      req.contentHash,
			SourceHash:       req.sourceHash,
			WordCount:        CountWords(req.content),
			CharacterCount:   len(req.content),
			ProcessingStatus: storage.ProcessingStatusPending,
		}
		if req.sourceURL != "" {
			doc.SourceURL = &req.sourceURL
		}
		if err := docs.Create(ctx, doc); err != nil {
			return err
		}
		// New document counts immediately; chunks are counted by the embed
		// stage.
		if err := kbs.AdjustCounters(ctx, req.kbID, 1, 0); err != nil {
			return err
		}
		result = &IngestResult{Document: doc}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func fileTypeOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 || idx == len(filename)-1 {
		return "unknown"
	}
	return strings.ToLower(filename[idx+1:])
}
