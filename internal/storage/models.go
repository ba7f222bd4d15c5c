// Package storage provides database models and repositories for the Shu
// ingestion core.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ProcessingStatus represents a document's position in the ingestion state
// machine.
type ProcessingStatus string

const (
	ProcessingStatusPending    ProcessingStatus = "pending"
	ProcessingStatusExtracting ProcessingStatus = "extracting"
	ProcessingStatusEmbedding  ProcessingStatus = "embedding"
	ProcessingStatusProfiling  ProcessingStatus = "profiling"
	ProcessingStatusProcessed  ProcessingStatus = "processed"
	ProcessingStatusError      ProcessingStatus = "error"
)

// ProfilingStatus represents the LLM profiling lifecycle of a document.
type ProfilingStatus string

const (
	ProfilingStatusPending    ProfilingStatus = "pending"
	ProfilingStatusInProgress ProfilingStatus = "in_progress"
	ProfilingStatusComplete   ProfilingStatus = "complete"
	ProfilingStatusFailed     ProfilingStatus = "failed"
)

// DocumentType classifies a document's content shape.
type DocumentType string

const (
	DocumentTypeNarrative      DocumentType = "narrative"
	DocumentTypeTransactional  DocumentType = "transactional"
	DocumentTypeTechnical      DocumentType = "technical"
	DocumentTypeConversational DocumentType = "conversational"
)

// KnowledgeBaseStatus represents the lifecycle state of a knowledge base.
type KnowledgeBaseStatus string

const (
	KnowledgeBaseStatusActive   KnowledgeBaseStatus = "active"
	KnowledgeBaseStatusInactive KnowledgeBaseStatus = "inactive"
	KnowledgeBaseStatusError    KnowledgeBaseStatus = "error"
)

// ExecutionStatus represents one run of a plugin feed.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// TriggerType represents how an experience is started.
type TriggerType string

const (
	TriggerTypeManual    TriggerType = "manual"
	TriggerTypeScheduled TriggerType = "scheduled"
	TriggerTypeCron      TriggerType = "cron"
)

// ExperienceVisibility controls who can see and run an experience.
type ExperienceVisibility string

const (
	ExperienceVisibilityDraft     ExperienceVisibility = "draft"
	ExperienceVisibilityPublished ExperienceVisibility = "published"
	ExperienceVisibilityAdminOnly ExperienceVisibility = "admin_only"
)

// RunStatus represents one run of an experience.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Vector is a fixed-dimension embedding stored in a pgvector column. The
// wire format is the pgvector text representation: "[0.1,0.2,...]".
type Vector []float32

// Value implements driver.Valuer.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}

// Scan implements sql.Scanner.
func (v *Vector) Scan(src interface{}) error {
	if src == nil {
		*v = nil
		return nil
	}

	var s string
	switch t := src.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return fmt.Errorf("storage: cannot scan %T into Vector", src)
	}

	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return fmt.Errorf("storage: malformed vector literal %q", s)
	}
	s = s[1 : len(s)-1]
	if s == "" {
		*v = Vector{}
		return nil
	}

	parts := strings.Split(s, ",")
	out := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("storage: malformed vector element %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}

// Document is an ingested unit of content inside a knowledge base.
type Document struct {
	ID                       string           `json:"id" db:"id"`
	KnowledgeBaseID          string           `json:"knowledge_base_id" db:"knowledge_base_id"`
	SourceType               string           `json:"source_type" db:"source_type"`
	SourceID                 string           `json:"source_id" db:"source_id"`
	Title                    string           `json:"title" db:"title"`
	FileType                 string           `json:"file_type" db:"file_type"`
	FileSize                 int64            `json:"file_size" db:"file_size"`
	MimeType                 string           `json:"mime_type" db:"mime_type"`
	Content                  string           `json:"content" db:"content"`
	ContentHash              string           `json:"content_hash" db:"content_hash"`
	SourceHash               *string          `json:"source_hash,omitempty" db:"source_hash"`
	ProcessingStatus         ProcessingStatus `json:"processing_status" db:"processing_status"`
	ProcessingError          *string          `json:"processing_error,omitempty" db:"processing_error"`
	ExtractionMethod         *string          `json:"extraction_method,omitempty" db:"extraction_method"`
	ExtractionEngine         *string          `json:"extraction_engine,omitempty" db:"extraction_engine"`
	ExtractionConfidence     *float64         `json:"extraction_confidence,omitempty" db:"extraction_confidence"`
	ExtractionDuration       *float64         `json:"extraction_duration,omitempty" db:"extraction_duration"`
	ExtractionMetadata       json.RawMessage  `json:"extraction_metadata,omitempty" db:"extraction_metadata"`
	SourceURL                *string          `json:"source_url,omitempty" db:"source_url"`
	SourceModifiedAt         *time.Time       `json:"source_modified_at,omitempty" db:"source_modified_at"`
	ProcessedAt              *time.Time       `json:"processed_at,omitempty" db:"processed_at"`
	WordCount                int              `json:"word_count" db:"word_count"`
	CharacterCount           int              `json:"character_count" db:"character_count"`
	ChunkCount               int              `json:"chunk_count" db:"chunk_count"`
	Synopsis                 *string          `json:"synopsis,omitempty" db:"synopsis"`
	SynopsisEmbedding        Vector           `json:"-" db:"synopsis_embedding"`
	DocumentType             *DocumentType    `json:"document_type,omitempty" db:"document_type"`
	CapabilityManifest       json.RawMessage  `json:"capability_manifest,omitempty" db:"capability_manifest"`
	ProfilingStatus          ProfilingStatus  `json:"profiling_status" db:"profiling_status"`
	ProfilingCoveragePercent float64          `json:"profiling_coverage_percent" db:"profiling_coverage_percent"`
	RelationalContext        json.RawMessage  `json:"relational_context,omitempty" db:"relational_context"`
	CreatedAt                time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt                time.Time        `json:"updated_at" db:"updated_at"`
}

// HashMatches reports whether incoming content is unchanged relative to the
// stored document. Provider-supplied hashes win when both sides carry one;
// content hashes otherwise.
func (d *Document) HashMatches(incomingContentHash string, incomingSourceHash *string) bool {
	if d.SourceHash != nil && incomingSourceHash != nil {
		return *d.SourceHash == *incomingSourceHash
	}
	return d.ContentHash == incomingContentHash
}

// DocumentChunk is one embedded slice of a document.
type DocumentChunk struct {
	ID                 string          `json:"id" db:"id"`
	DocumentID         string          `json:"document_id" db:"document_id"`
	KnowledgeBaseID    string          `json:"knowledge_base_id" db:"knowledge_base_id"`
	ChunkIndex         int             `json:"chunk_index" db:"chunk_index"`
	Content            string          `json:"content" db:"content"`
	Embedding          Vector          `json:"-" db:"embedding"`
	CharCount          int             `json:"char_count" db:"char_count"`
	WordCount          int             `json:"word_count" db:"word_count"`
	StartChar          int             `json:"start_char" db:"start_char"`
	EndChar            int             `json:"end_char" db:"end_char"`
	EmbeddingModel     string          `json:"embedding_model" db:"embedding_model"`
	EmbeddingCreatedAt *time.Time      `json:"embedding_created_at,omitempty" db:"embedding_created_at"`
	ChunkMetadata      json.RawMessage `json:"chunk_metadata,omitempty" db:"chunk_metadata"`
	Summary            *string         `json:"summary,omitempty" db:"summary"`
	Keywords           pq.StringArray  `json:"keywords,omitempty" db:"keywords"`
	Topics             pq.StringArray  `json:"topics,omitempty" db:"topics"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// DocumentQuery is a synthesized retrieval query generated by the profiler.
type DocumentQuery struct {
	ID              string    `json:"id" db:"id"`
	DocumentID      string    `json:"document_id" db:"document_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id" db:"knowledge_base_id"`
	QueryText       string    `json:"query_text" db:"query_text"`
	QueryEmbedding  Vector    `json:"-" db:"query_embedding"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// DocumentParticipant is a denormalized entity/role association used for
// re-ranking.
type DocumentParticipant struct {
	ID         string `json:"id" db:"id"`
	DocumentID string `json:"document_id" db:"document_id"`
	Name       string `json:"name" db:"name"`
	Role       string `json:"role" db:"role"`
}

// DocumentProject is a denormalized project association used for re-ranking.
type DocumentProject struct {
	ID          string `json:"id" db:"id"`
	DocumentID  string `json:"document_id" db:"document_id"`
	ProjectName string `json:"project_name" db:"project_name"`
}

// KnowledgeBase is a named collection of documents with chunking and
// embedding settings.
type KnowledgeBase struct {
	ID             string              `json:"id" db:"id"`
	Name           string              `json:"name" db:"name"`
	Description    string              `json:"description" db:"description"`
	SyncEnabled    bool                `json:"sync_enabled" db:"sync_enabled"`
	EmbeddingModel string              `json:"embedding_model" db:"embedding_model"`
	ChunkSize      int                 `json:"chunk_size" db:"chunk_size"`
	ChunkOverlap   int                 `json:"chunk_overlap" db:"chunk_overlap"`
	Status         KnowledgeBaseStatus `json:"status" db:"status"`
	DocumentCount  int                 `json:"document_count" db:"document_count"`
	TotalChunks    int                 `json:"total_chunks" db:"total_chunks"`
	OwnerID        string              `json:"owner_id" db:"owner_id"`
	RAGConfig      json.RawMessage     `json:"rag_config,omitempty" db:"rag_config"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at" db:"updated_at"`
}

// PluginFeed is a recurring schedulable plugin run.
type PluginFeed struct {
	ID              string          `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	PluginName      string          `json:"plugin_name" db:"plugin_name"`
	AgentKey        string          `json:"agent_key" db:"agent_key"`
	OwnerUserID     string          `json:"owner_user_id" db:"owner_user_id"`
	Params          json.RawMessage `json:"params,omitempty" db:"params"`
	IntervalSeconds int             `json:"interval_seconds" db:"interval_seconds"`
	Enabled         bool            `json:"enabled" db:"enabled"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty" db:"next_run_at"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty" db:"last_run_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// PluginExecution is one run of a plugin feed. At most one pending or
// running execution exists per schedule at any time.
type PluginExecution struct {
	ID          string          `json:"id" db:"id"`
	ScheduleID  string          `json:"schedule_id" db:"schedule_id"`
	PluginName  string          `json:"plugin_name" db:"plugin_name"`
	UserID      string          `json:"user_id" db:"user_id"`
	AgentKey    string          `json:"agent_key" db:"agent_key"`
	Params      json.RawMessage `json:"params,omitempty" db:"params"`
	Status      ExecutionStatus `json:"status" db:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Error       *string         `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Experience is a scheduled LLM workflow definition.
type Experience struct {
	ID                   string               `json:"id" db:"id"`
	Name                 string               `json:"name" db:"name"`
	TriggerType          TriggerType          `json:"trigger_type" db:"trigger_type"`
	TriggerConfig        json.RawMessage      `json:"trigger_config,omitempty" db:"trigger_config"`
	Visibility           ExperienceVisibility `json:"visibility" db:"visibility"`
	Steps                json.RawMessage      `json:"steps" db:"steps"`
	ModelConfigurationID *string              `json:"model_configuration_id,omitempty" db:"model_configuration_id"`
	CreatedBy            string               `json:"created_by" db:"created_by"`
	NextRunAt            *time.Time           `json:"next_run_at,omitempty" db:"next_run_at"`
	LastRunAt            *time.Time           `json:"last_run_at,omitempty" db:"last_run_at"`
	CreatedAt            time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at" db:"updated_at"`
}

// ExperienceRun is one execution of an experience for one user.
type ExperienceRun struct {
	ID             string          `json:"id" db:"id"`
	ExperienceID   string          `json:"experience_id" db:"experience_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Status         RunStatus       `json:"status" db:"status"`
	InputParams    json.RawMessage `json:"input_params,omitempty" db:"input_params"`
	StepStates     json.RawMessage `json:"step_states,omitempty" db:"step_states"`
	StepOutputs    json.RawMessage `json:"step_outputs,omitempty" db:"step_outputs"`
	ResultMetadata json.RawMessage `json:"result_metadata,omitempty" db:"result_metadata"`
	ErrorMessage   *string         `json:"error_message,omitempty" db:"error_message"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}
