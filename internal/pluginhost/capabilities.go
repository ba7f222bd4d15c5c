package pluginhost

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shu-ai/shu-core/internal/cache"
	"github.com/shu-ai/shu-core/internal/ingest"
	"github.com/shu-ai/shu-core/internal/kb"
	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/ratelimit"
	"github.com/shu-ai/shu-core/internal/search"
	"github.com/shu-ai/shu-core/internal/storage"
)

// ErrNoSchedule is returned when a feed-only capability is used outside a
// feed run.
var ErrNoSchedule = errors.New("pluginhost: operation requires a feed schedule")

// AccessChecker re-verifies a user's access to a knowledge base at call
// time. Bindings can outlive permission revocations, so searches check on
// every call rather than trusting the bound list.
type AccessChecker interface {
	CanAccess(ctx context.Context, userID, kbID string) (bool, error)
}

// KnowledgeObject is the plugin-facing upsert shape. Plugins describe what
// they found; the host decides how it becomes a document.
type KnowledgeObject struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	ExternalID  string         `json:"external_id"`
	Title       string         `json:"title,omitempty"`
	Content     string         `json:"content"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Permissions map[string]any `json:"permissions,omitempty"`
	Lineage     map[string]any `json:"lineage,omitempty"`
	SourceHash  *string        `json:"source_hash,omitempty"`
}

// KnowledgeObjectID derives the deterministic document source identity for a
// knowledge object that arrived without one.
func KnowledgeObjectID(plugin, account, externalID string) string {
	sum := sha256.Sum256([]byte(plugin + ":" + account + "|" + externalID))
	return hex.EncodeToString(sum[:])
}

// Host wires the capability surface to the underlying services.
type Host struct {
	db       *sql.DB
	pipeline *ingest.Pipeline
	kb       *kb.Service
	search   *search.Service
	secrets  *Secrets
	access   AccessChecker
	limiter  *ratelimit.Limiter
	logger   *observability.Logger
}

// NewHost creates the capability host. access may be nil to skip RBAC
// re-verification (single-user deployments).
func NewHost(db *sql.DB, pipeline *ingest.Pipeline, kbSvc *kb.Service, searchSvc *search.Service, secrets *Secrets, access AccessChecker, logger *observability.Logger) *Host {
	return &Host{
		db:       db,
		pipeline: pipeline,
		kb:       kbSvc,
		search:   searchSvc,
		secrets:  secrets,
		access:   access,
		logger:   logger.WithOperation("pluginhost"),
	}
}

// WithRateLimiter installs the per-plugin call limiter.
func (h *Host) WithRateLimiter(c cache.Cache, logger *observability.Logger, capacity int64, refillPerSecond float64) *Host {
	h.limiter = ratelimit.New(c, logger, "ratelimit:plugin", capacity, refillPerSecond)
	return h
}

// Secrets returns the secret store.
func (h *Host) Secrets() *Secrets { return h.secrets }

// AllowCall charges one call against the invoking plugin's rate bucket.
// Without a configured limiter every call is allowed.
func (h *Host) AllowCall(ctx context.Context, pctx Context) ratelimit.Result {
	if h.limiter == nil {
		return ratelimit.Result{Allowed: true}
	}
	return h.limiter.Allow(ctx, pctx.PluginName())
}

// requireBound verifies the target knowledge base is in the invocation's
// bound set.
func (h *Host) requireBound(pctx Context, kbID string) error {
	if !pctx.isBound(kbID) {
		return &search.Error{
			Code:    search.CodeNotFound,
			Message: fmt.Sprintf("knowledge base %q is not accessible", kbID),
		}
	}
	return nil
}

// verifyAccess re-checks RBAC for every knowledge base a call touches.
func (h *Host) verifyAccess(ctx context.Context, pctx Context, kbIDs []string) error {
	if h.access == nil {
		return nil
	}
	for _, kbID := range kbIDs {
		ok, err := h.access.CanAccess(ctx, pctx.UserID(), kbID)
		if err != nil {
			return fmt.Errorf("pluginhost: access check for %s: %w", kbID, err)
		}
		if !ok {
			return &search.Error{
				Code:    search.CodeNotFound,
				Message: fmt.Sprintf("knowledge base %q is not accessible", kbID),
			}
		}
	}
	return nil
}

// IngestDocument ingests an uploaded file with plugin and user identity
// fixed from the context.
func (h *Host) IngestDocument(ctx context.Context, pctx Context, req ingest.DocumentRequest) (*ingest.IngestResult, error) {
	if err := h.requireBound(pctx, req.KnowledgeBaseID); err != nil {
		return nil, err
	}
	req.Plugin = pctx.PluginName()
	req.UserID = pctx.UserID()
	if req.OCRMode == "" {
		req.OCRMode = string(pctx.OCRMode())
	}
	return h.pipeline.IngestDocument(ctx, req)
}

// IngestText ingests text content with identity fixed from the context.
func (h *Host) IngestText(ctx context.Context, pctx Context, req ingest.TextRequest) (*ingest.IngestResult, error) {
	if err := h.requireBound(pctx, req.KnowledgeBaseID); err != nil {
		return nil, err
	}
	req.Plugin = pctx.PluginName()
	req.UserID = pctx.UserID()
	return h.pipeline.IngestText(ctx, req)
}

// IngestThread ingests a conversation thread with identity fixed from the
// context.
func (h *Host) IngestThread(ctx context.Context, pctx Context, req ingest.ThreadRequest) (*ingest.IngestResult, error) {
	if err := h.requireBound(pctx, req.KnowledgeBaseID); err != nil {
		return nil, err
	}
	req.Plugin = pctx.PluginName()
	req.UserID = pctx.UserID()
	return h.pipeline.IngestThread(ctx, req)
}

// IngestEmail ingests an email with identity fixed from the context.
func (h *Host) IngestEmail(ctx context.Context, pctx Context, req ingest.EmailRequest) (*ingest.IngestResult, error) {
	if err := h.requireBound(pctx, req.KnowledgeBaseID); err != nil {
		return nil, err
	}
	req.Plugin = pctx.PluginName()
	req.UserID = pctx.UserID()
	return h.pipeline.IngestEmail(ctx, req)
}

// UpsertKnowledgeObject maps a knowledge object onto the ingest path. When
// the object carries no ID, a deterministic one is derived from the plugin,
// the object's source account, and its external ID, so re-syncs update
// instead of duplicating.
func (h *Host) UpsertKnowledgeObject(ctx context.Context, pctx Context, kbID string, ko KnowledgeObject) (*ingest.IngestResult, error) {
	if err := h.requireBound(pctx, kbID); err != nil {
		return nil, err
	}
	if ko.ExternalID == "" {
		return nil, fmt.Errorf("pluginhost: knowledge object requires an external_id")
	}

	sourceID := ko.ID
	if sourceID == "" {
		sourceID = KnowledgeObjectID(pctx.PluginName(), ko.Source, ko.ExternalID)
	}
	title := ko.Title
	if title == "" {
		title = ko.ExternalID
	}

	return h.pipeline.IngestText(ctx, ingest.TextRequest{
		KnowledgeBaseID: kbID,
		Plugin:          pctx.PluginName(),
		UserID:          pctx.UserID(),
		Title:           title,
		Content:         ko.Content,
		SourceID:        sourceID,
		SourceHash:      ko.SourceHash,
		FileType:        knowledgeObjectFileType(ko.Type),
	})
}

func knowledgeObjectFileType(koType string) string {
	switch koType {
	case "email", "thread", "event", "contact", "task":
		return koType
	default:
		return "text"
	}
}

// DeleteKnowledgeObject removes a document this plugin previously ingested,
// identified by its external ID. Only feed runs may delete, and only within
// the feed's own knowledge base.
func (h *Host) DeleteKnowledgeObject(ctx context.Context, pctx Context, externalID string) error {
	return h.DeleteKnowledgeObjectsBatch(ctx, pctx, []string{externalID})
}

// DeleteKnowledgeObjectsBatch removes a set of previously ingested
// documents. Unknown external IDs are skipped; a delete for something that
// never ingested is not an error.
func (h *Host) DeleteKnowledgeObjectsBatch(ctx context.Context, pctx Context, externalIDs []string) error {
	scheduleID, ok := pctx.ScheduleID()
	if !ok {
		return ErrNoSchedule
	}

	feed, err := storage.NewPluginFeedRepository(h.db).GetByID(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("pluginhost: load feed %s: %w", scheduleID, err)
	}
	kbID, err := FeedKnowledgeBase(feed)
	if err != nil {
		return err
	}

	docs := storage.NewDocumentRepository(h.db)
	sourceType := ingest.PluginSourceType(pctx.PluginName())
	for _, externalID := range externalIDs {
		doc, err := docs.GetBySource(ctx, kbID, sourceType, externalID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("pluginhost: resolve %s: %w", externalID, err)
		}
		if err := h.kb.DeleteFeedDocument(ctx, doc.ID); err != nil {
			return fmt.Errorf("pluginhost: delete %s: %w", externalID, err)
		}
	}
	return nil
}

// FeedKnowledgeBase resolves the knowledge base a feed writes into from its
// params. Plugins never choose the target themselves.
func FeedKnowledgeBase(feed *storage.PluginFeed) (string, error) {
	var params struct {
		KnowledgeBaseID string `json:"knowledge_base_id"`
	}
	if len(feed.Params) > 0 {
		if err := json.Unmarshal(feed.Params, &params); err != nil {
			return "", fmt.Errorf("pluginhost: feed %s params: %w", feed.ID, err)
		}
	}
	if params.KnowledgeBaseID == "" {
		return "", fmt.Errorf("pluginhost: feed %s has no knowledge_base_id", feed.ID)
	}
	return params.KnowledgeBaseID, nil
}

// SearchChunks runs a field query over the context's bound knowledge bases.
func (h *Host) SearchChunks(ctx context.Context, pctx Context, req search.Request) (*search.Page[search.ChunkResult], error) {
	if err := h.verifyAccess(ctx, pctx, pctx.kbIDs); err != nil {
		return nil, err
	}
	return h.search.SearchChunks(ctx, pctx.kbIDs, req)
}

// SearchDocuments runs a field query over the context's bound knowledge
// bases.
func (h *Host) SearchDocuments(ctx context.Context, pctx Context, req search.Request) (*search.Page[search.DocumentResult], error) {
	if err := h.verifyAccess(ctx, pctx, pctx.kbIDs); err != nil {
		return nil, err
	}
	return h.search.SearchDocuments(ctx, pctx.kbIDs, req)
}

// GetDocument loads one document if it lives in a bound knowledge base.
func (h *Host) GetDocument(ctx context.Context, pctx Context, documentID string) (*storage.Document, error) {
	doc, err := h.kb.GetDocument(ctx, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &search.Error{Code: search.CodeNotFound, Message: "document not found"}
	}
	if err != nil {
		return nil, err
	}
	if err := h.requireBound(pctx, doc.KnowledgeBaseID); err != nil {
		return nil, err
	}
	if err := h.verifyAccess(ctx, pctx, []string{doc.KnowledgeBaseID}); err != nil {
		return nil, err
	}
	return doc, nil
}
