// Package profiling enriches documents after embedding: per-chunk summaries,
// keywords and topics, plus a document-level synopsis, type classification,
// capability manifest, and synthesized retrieval queries. All of it feeds
// re-ranking and query-match retrieval.
package profiling

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/shu-ai/shu-core/internal/embedding"
	"github.com/shu-ai/shu-core/internal/llm"
	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/storage"
)

// Config holds profiling limits. Zero values fall back to defaults.
type Config struct {
	// ChunkBatchSize is how many chunks share one LLM call in the first
	// profiling round.
	ChunkBatchSize int
	// MaxInputTokens caps the input of any single LLM call.
	MaxInputTokens int
	// FullDocMaxTokens is the size above which the document profile is built
	// from chunk summaries instead of full text.
	FullDocMaxTokens int
}

func (c Config) withDefaults() Config {
	if c.ChunkBatchSize <= 0 {
		c.ChunkBatchSize = 10
	}
	if c.MaxInputTokens <= 0 {
		c.MaxInputTokens = 8000
	}
	if c.FullDocMaxTokens <= 0 {
		c.FullDocMaxTokens = 4000
	}
	return c
}

// Orchestrator runs the two-phase document profiling algorithm.
type Orchestrator struct {
	db       *sql.DB
	llm      llm.Client
	embedder embedding.Embedder
	logger   *observability.Logger
	cfg      Config
}

// NewOrchestrator creates a profiler.
func NewOrchestrator(db *sql.DB, client llm.Client, embedder embedding.Embedder, logger *observability.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		db:       db,
		llm:      client,
		embedder: embedder,
		logger:   logger.WithOperation("profiling"),
		cfg:      cfg.withDefaults(),
	}
}

type chunkProfile struct {
	Index    int      `json:"index"`
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
	Topics   []string `json:"topics"`
}

type documentProfile struct {
	Synopsis           string          `json:"synopsis"`
	DocumentType       string          `json:"document_type"`
	CapabilityManifest json.RawMessage `json:"capability_manifest"`
	SynthesizedQueries []string        `json:"synthesized_queries"`
}

// ProfileDocument profiles one document end to end: chunk profiles in
// batches, an individual retry round for batch failures, then a document
// profile from the accumulated summaries. Provider throttles propagate
// without touching profiling_status so the job can be redelivered; other
// fatal errors mark profiling_status = failed.
func (o *Orchestrator) ProfileDocument(ctx context.Context, documentID string) error {
	docs := storage.NewDocumentRepository(o.db)
	chunkRepo := storage.NewChunkRepository(o.db)

	doc, err := docs.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", documentID, err)
	}
	logger := o.logger.WithDocument(doc.ID)

	if err := docs.UpdateProfilingStatus(ctx, doc.ID, storage.ProfilingStatusInProgress); err != nil {
		return fmt.Errorf("mark profiling in progress: %w", err)
	}

	chunks, err := chunkRepo.ListByDocument(ctx, doc.ID)
	if err != nil {
		return o.fail(ctx, docs, doc.ID, fmt.Errorf("list chunks: %w", err))
	}

	profiles, err := o.profileChunks(ctx, logger, chunks)
	if err != nil {
		if llm.IsRateLimited(err) {
			return err
		}
		return o.fail(ctx, docs, doc.ID, err)
	}

	// Coverage is stored to two decimal places.
	coverage := 100.0
	if len(chunks) > 0 {
		coverage = math.Round(float64(len(profiles))/float64(len(chunks))*10000) / 100
	}

	profile, err := o.profileDocument(ctx, doc, chunks, profiles)
	if err != nil {
		if llm.IsRateLimited(err) {
			return err
		}
		return o.fail(ctx, docs, doc.ID, err)
	}

	docType := storage.DocumentType(profile.DocumentType)
	switch docType {
	case storage.DocumentTypeNarrative, storage.DocumentTypeTransactional,
		storage.DocumentTypeTechnical, storage.DocumentTypeConversational:
	default:
		return o.fail(ctx, docs, doc.ID, fmt.Errorf("invalid document type %q", profile.DocumentType))
	}

	synopsisEmbedding, err := o.embedder.EmbedSingle(ctx, profile.Synopsis)
	if err != nil {
		return o.fail(ctx, docs, doc.ID, fmt.Errorf("embed synopsis: %w", err))
	}

	for _, chunk := range chunks {
		p, ok := profiles[chunk.ChunkIndex]
		if !ok {
			continue
		}
		if err := chunkRepo.UpdateProfile(ctx, chunk.ID, p.Summary, p.Keywords, p.Topics); err != nil {
			return o.fail(ctx, docs, doc.ID, fmt.Errorf("persist chunk profile %d: %w", chunk.ChunkIndex, err))
		}
	}

	// Synthesized queries are best effort: a failure here degrades
	// query-match retrieval but must not fail the document.
	if err := o.persistQueries(ctx, doc, profile.SynthesizedQueries); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist synthesized queries")
	}

	synopsis := profile.Synopsis
	doc.Synopsis = &synopsis
	doc.SynopsisEmbedding = storage.Vector(synopsisEmbedding)
	doc.DocumentType = &docType
	doc.CapabilityManifest = profile.CapabilityManifest
	doc.ProfilingStatus = storage.ProfilingStatusComplete
	doc.ProfilingCoveragePercent = coverage
	if err := docs.UpdateProfilingResult(ctx, doc); err != nil {
		return fmt.Errorf("persist document profile: %w", err)
	}

	logger.Info().
		Int("chunks", len(chunks)).
		Int("profiled", len(profiles)).
		Str("document_type", string(docType)).
		Msg("Document profiling complete")
	return nil
}

// fail marks the profiling lifecycle failed and returns the original error.
func (o *Orchestrator) fail(ctx context.Context, docs *storage.DocumentRepository, documentID string, cause error) error {
	o.logger.WithDocument(documentID).Error().Err(cause).Msg("Document profiling failed")
	if err := docs.UpdateProfilingStatus(ctx, documentID, storage.ProfilingStatusFailed); err != nil {
		o.logger.WithDocument(documentID).Warn().Err(err).Msg("Failed to mark profiling status failed")
	}
	return cause
}

// profileChunks runs the batch round and then retries failures individually
// with adjacent-chunk context. The returned map is keyed by chunk index and
// only contains chunks with a non-empty summary.
func (o *Orchestrator) profileChunks(ctx context.Context, logger *observability.Logger, chunks []*storage.DocumentChunk) (map[int]chunkProfile, error) {
	profiles := make(map[int]chunkProfile, len(chunks))

	for start := 0; start < len(chunks); start += o.cfg.ChunkBatchSize {
		end := start + o.cfg.ChunkBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		resp, err := o.llm.Complete(ctx, llm.Request{
			System:      chunkBatchSystemPrompt,
			Prompt:      buildChunkBatchPrompt(batch, o.cfg.MaxInputTokens),
			MaxTokens:   2048,
			Temperature: 0.1,
		})
		if err != nil {
			if llm.IsRateLimited(err) {
				return nil, err
			}
			logger.Warn().Err(err).Int("batch_start", start).Msg("Chunk batch profiling call failed")
			continue
		}

		for _, p := range parseChunkProfiles(resp.Content) {
			if strings.TrimSpace(p.Summary) == "" {
				continue
			}
			if p.Index >= batch[0].ChunkIndex && p.Index <= batch[len(batch)-1].ChunkIndex {
				profiles[p.Index] = p
			}
		}
	}

	// Individual retry round for whatever the batch round missed.
	for i, chunk := range chunks {
		if _, ok := profiles[chunk.ChunkIndex]; ok {
			continue
		}

		var prev, next string
		if i > 0 {
			prev = chunks[i-1].Content
		}
		if i < len(chunks)-1 {
			next = chunks[i+1].Content
		}

		resp, err := o.llm.Complete(ctx, llm.Request{
			System:      chunkSingleSystemPrompt,
			Prompt:      buildChunkSinglePrompt(chunk, prev, next, o.cfg.MaxInputTokens),
			MaxTokens:   512,
			Temperature: 0.1,
		})
		if err != nil {
			if llm.IsRateLimited(err) {
				return nil, err
			}
			logger.Warn().Err(err).Int("chunk_index", chunk.ChunkIndex).Msg("Chunk retry profiling call failed")
			continue
		}

		p, ok := parseChunkProfile(resp.Content)
		if !ok || strings.TrimSpace(p.Summary) == "" {
			logger.Warn().Int("chunk_index", chunk.ChunkIndex).Msg("Chunk profile unparseable after retry")
			continue
		}
		p.Index = chunk.ChunkIndex
		profiles[chunk.ChunkIndex] = p
	}

	return profiles, nil
}

// profileDocument generates the document-level profile. Small documents are
// profiled from full text; large ones always from chunk summaries.
func (o *Orchestrator) profileDocument(ctx context.Context, doc *storage.Document, chunks []*storage.DocumentChunk, profiles map[int]chunkProfile) (*documentProfile, error) {
	var input string
	if doc.Content != "" && approxTokens(doc.Content) <= o.cfg.FullDocMaxTokens {
		input = doc.Content
	} else {
		var summaries []string
		for _, chunk := range chunks {
			if p, ok := profiles[chunk.ChunkIndex]; ok {
				summaries = append(summaries, p.Summary)
			}
		}
		input = strings.Join(summaries, "\n")
		if input == "" {
			input = doc.Content
		}
	}
	input = truncateTokens(input, o.cfg.MaxInputTokens)

	resp, err := o.llm.Complete(ctx, llm.Request{
		System:      documentSystemPrompt,
		Prompt:      buildDocumentPrompt(doc.Title, input),
		MaxTokens:   1024,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("document profile call: %w", err)
	}

	var profile documentProfile
	if err := json.Unmarshal(extractJSON(resp.Content), &profile); err != nil {
		return nil, fmt.Errorf("parse document profile: %w", err)
	}
	if strings.TrimSpace(profile.Synopsis) == "" {
		return nil, errors.New("document profile has empty synopsis")
	}
	return &profile, nil
}

// persistQueries embeds and replaces the document's synthesized queries.
// The prior set is always deleted, even when the new set is empty.
func (o *Orchestrator) persistQueries(ctx context.Context, doc *storage.Document, texts []string) error {
	queries := make([]*storage.DocumentQuery, 0, len(texts))
	if len(texts) > 0 {
		vectors, err := o.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed queries: %w", err)
		}
		for i, text := range texts {
			queries = append(queries, &storage.DocumentQuery{
				ID:              uuid.New().String(),
				DocumentID:      doc.ID,
				KnowledgeBaseID: doc.KnowledgeBaseID,
				QueryText:       text,
				QueryEmbedding:  storage.Vector(vectors[i]),
			})
		}
	}
	return storage.NewQueryRepository(o.db).ReplaceForDocument(ctx, doc.ID, queries)
}
