// Package kb provides the knowledge base and document lifecycle services:
// creation, lookup, and dependency-ordered deletion with counter
// maintenance. Stage handlers and plugin capabilities consume these instead
// of touching repositories directly.
package kb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/staging"
	"github.com/shu-ai/shu-core/internal/storage"
)

// ErrFeedOwned is returned when an ad-hoc delete targets a feed-ingested
// document. Such documents are deleted only through the owning feed's
// lifecycle so feed and store never disagree about what exists.
var ErrFeedOwned = errors.New("kb: document is owned by a plugin feed")

// Service is the knowledge base and document glue layer.
type Service struct {
	db      *sql.DB
	staging *staging.Service
	logger  *observability.Logger
}

// NewService creates the service. staging may be nil when the caller never
// deletes documents with staged attachments.
func NewService(db *sql.DB, st *staging.Service, logger *observability.Logger) *Service {
	return &Service{db: db, staging: st, logger: logger.WithOperation("kb")}
}

// Defaults applied to new knowledge bases.
const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 64
)

// CreateKnowledgeBase creates a knowledge base, filling chunking defaults.
func (s *Service) CreateKnowledgeBase(ctx context.Context, kb *storage.KnowledgeBase) error {
	if kb.Name == "" {
		return fmt.Errorf("kb: name is required")
	}
	if kb.OwnerID == "" {
		return fmt.Errorf("kb: owner is required")
	}
	if kb.ID == "" {
		kb.ID = uuid.New().String()
	}
	if kb.ChunkSize <= 0 {
		kb.ChunkSize = DefaultChunkSize
	}
	if kb.ChunkOverlap < 0 || kb.ChunkOverlap >= kb.ChunkSize {
		kb.ChunkOverlap = DefaultChunkOverlap
	}
	if kb.Status == "" {
		kb.Status = storage.KnowledgeBaseStatusActive
	}
	return storage.NewKnowledgeBaseRepository(s.db).Create(ctx, kb)
}

// GetKnowledgeBase retrieves a knowledge base.
func (s *Service) GetKnowledgeBase(ctx context.Context, id string) (*storage.KnowledgeBase, error) {
	return storage.NewKnowledgeBaseRepository(s.db).GetByID(ctx, id)
}

// ListKnowledgeBases retrieves an owner's knowledge bases.
func (s *Service) ListKnowledgeBases(ctx context.Context, ownerID string) ([]*storage.KnowledgeBase, error) {
	return storage.NewKnowledgeBaseRepository(s.db).ListByOwner(ctx, ownerID)
}

// DeleteKnowledgeBase removes a knowledge base and everything it owns, in
// dependency order, in one transaction. Stage handlers tolerate the KB
// vanishing mid-pipeline, so no coordination with in-flight jobs is needed.
func (s *Service) DeleteKnowledgeBase(ctx context.Context, id string) error {
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := storage.NewKnowledgeBaseRepository(tx).GetByID(ctx, id); err != nil {
			return err
		}
		if _, err := storage.NewChunkRepository(tx).DeleteByKnowledgeBase(ctx, id); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		if _, err := storage.NewQueryRepository(tx).DeleteByKnowledgeBase(ctx, id); err != nil {
			return fmt.Errorf("delete queries: %w", err)
		}
		if err := storage.NewAssociationRepository(tx).DeleteByKnowledgeBase(ctx, id); err != nil {
			return fmt.Errorf("delete associations: %w", err)
		}
		if _, err := storage.NewDocumentRepository(tx).DeleteByKnowledgeBase(ctx, id); err != nil {
			return fmt.Errorf("delete documents: %w", err)
		}
		if err := storage.NewKnowledgeBaseRepository(tx).Delete(ctx, id); err != nil {
			return fmt.Errorf("delete knowledge base: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("knowledge_base_id", id).Msg("Knowledge base deleted")
	return nil
}

// GetDocument retrieves a document.
func (s *Service) GetDocument(ctx context.Context, id string) (*storage.Document, error) {
	return storage.NewDocumentRepository(s.db).GetByID(ctx, id)
}

// ListDocuments retrieves a knowledge base's documents.
func (s *Service) ListDocuments(ctx context.Context, kbID string) ([]*storage.Document, error) {
	return storage.NewDocumentRepository(s.db).ListByKnowledgeBase(ctx, kbID)
}

// DeleteDocument removes a manually uploaded document and its dependents,
// adjusting the owning knowledge base's counters by the captured values.
// Feed-ingested documents are rejected with ErrFeedOwned.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	return s.deleteDocument(ctx, id, false)
}

// DeleteFeedDocument removes a feed-ingested document on behalf of its
// owning feed.
func (s *Service) DeleteFeedDocument(ctx context.Context, id string) error {
	return s.deleteDocument(ctx, id, true)
}

func (s *Service) deleteDocument(ctx context.Context, id string, feedOwned bool) error {
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		docs := storage.NewDocumentRepository(tx)
		doc, err := docs.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !feedOwned && strings.HasPrefix(doc.SourceType, "plugin:") {
			return ErrFeedOwned
		}

		chunksDeleted, err := storage.NewChunkRepository(tx).DeleteByDocument(ctx, id)
		if err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		if _, err := storage.NewQueryRepository(tx).DeleteByDocument(ctx, id); err != nil {
			return fmt.Errorf("delete queries: %w", err)
		}
		if err := storage.NewAssociationRepository(tx).DeleteByDocument(ctx, id); err != nil {
			return fmt.Errorf("delete associations: %w", err)
		}
		if err := docs.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		return storage.NewKnowledgeBaseRepository(tx).AdjustCounters(
			ctx, doc.KnowledgeBaseID, -1, -int(chunksDeleted))
	})
	if err != nil {
		return err
	}

	// Staged bytes, if any, would expire by TTL anyway.
	if s.staging != nil {
		if err := s.staging.Delete(ctx, staging.Key(id)); err != nil {
			s.logger.Warn().Err(err).Str("document_id", id).Msg("Failed to delete staged file")
		}
	}

	s.logger.Info().Str("document_id", id).Msg("Document deleted")
	return nil
}
