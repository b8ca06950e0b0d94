package models

import (
	"time"
)

// ProcessingStatus tracks a document's progress through the ingestion pipeline.
// The status only moves forward along the stage sequence, or to failed.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusExtracting ProcessingStatus = "extracting"
	StatusExtracted  ProcessingStatus = "extracted"
	StatusChunking   ProcessingStatus = "chunking"
	StatusChunked    ProcessingStatus = "chunked"
	StatusEmbedding  ProcessingStatus = "embedding"
	StatusEmbedded   ProcessingStatus = "embedded"
	StatusFailed     ProcessingStatus = "failed"
)

// Terminal reports whether the status is a pipeline end state.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusEmbedded || s == StatusFailed
}

// Stage identifies one unit of pipeline work.
type Stage string

const (
	StageExtract Stage = "extract"
	StageChunk   Stage = "chunk"
	StageEmbed   Stage = "embed"
)

// Stages is the fixed pipeline order.
var Stages = []Stage{StageExtract, StageChunk, StageEmbed}

// Next returns the stage that follows s, or "" if s is the last stage.
func (s Stage) Next() Stage {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return ""
}

// RunningStatus returns the document status while a stage is executing.
func (s Stage) RunningStatus() ProcessingStatus {
	switch s {
	case StageExtract:
		return StatusExtracting
	case StageChunk:
		return StatusChunking
	case StageEmbed:
		return StatusEmbedding
	}
	return StatusPending
}

// DoneStatus returns the document status once a stage has succeeded.
func (s Stage) DoneStatus() ProcessingStatus {
	switch s {
	case StageExtract:
		return StatusExtracted
	case StageChunk:
		return StatusChunked
	case StageEmbed:
		return StatusEmbedded
	}
	return StatusPending
}

// TaskStatus is the lifecycle of a ProcessingTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the task reached an end state.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Document represents one uploaded file owned by a tenant.
type Document struct {
	ID              string           `db:"id" json:"id"`
	TenantID        string           `db:"tenant_id" json:"tenant_id"`
	MatterID        string           `db:"matter_id" json:"matter_id,omitempty"` // optional sub-scope
	Title           string           `db:"title" json:"title"`
	StorageURL      string           `db:"storage_url" json:"storage_url"`
	ContentType     string           `db:"content_type" json:"content_type"`
	Status          ProcessingStatus `db:"status" json:"status"`
	PageCount       int              `db:"page_count" json:"page_count"`
	ChunkCount      int              `db:"chunk_count" json:"chunk_count"`
	FailureReason   string           `db:"failure_reason" json:"failure_reason,omitempty"`
	FailureMessage  string           `db:"failure_message" json:"failure_message,omitempty"`
	DeleteRequested bool             `db:"delete_requested" json:"delete_requested"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// DocumentText is the cached extraction output for a document. Keeping it
// around lets reprocessing re-enter at the chunking stage without another
// round trip through the extractor.
type DocumentText struct {
	DocumentID  string    `db:"document_id" json:"document_id"`
	Text        string    `db:"text" json:"text"`
	PageOffsets []int     `db:"page_offsets" json:"page_offsets"` // rune offset where each page begins
	Extractor   string    `db:"extractor" json:"extractor"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Chunk is one contiguous span of a document's extracted text, the unit of
// embedding and retrieval. Embedding is nil until the embed stage populates
// it; once set, a chunk is immutable.
type Chunk struct {
	ID             string    `db:"id" json:"id"`
	DocumentID     string    `db:"document_id" json:"document_id"`
	TenantID       string    `db:"tenant_id" json:"tenant_id"` // denormalized for fast scoping
	OrdinalIndex   int       `db:"ordinal_index" json:"ordinal_index"`
	Text           string    `db:"text" json:"text"`
	TokenCount     int       `db:"token_count" json:"token_count"`
	FirstPage      int       `db:"first_page" json:"first_page"` // citation anchor, 1-based
	LastPage       int       `db:"last_page" json:"last_page"`
	SectionHeading string    `db:"section_heading" json:"section_heading,omitempty"`
	Embedding      []float32 `db:"embedding" json:"-"`
	EmbeddingModel string    `db:"embedding_model" json:"embedding_model,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// ProcessingTask is one retryable unit of work: a single document at a single
// pipeline stage. At most one non-terminal task exists per (document, stage).
type ProcessingTask struct {
	ID          string     `db:"id" json:"id"`
	DocumentID  string     `db:"document_id" json:"document_id"`
	Stage       Stage      `db:"stage" json:"stage"`
	Status      TaskStatus `db:"status" json:"status"`
	RetryCount  int        `db:"retry_count" json:"retry_count"`
	LastError   string     `db:"last_error" json:"last_error,omitempty"`
	ScheduledAt time.Time  `db:"scheduled_at" json:"scheduled_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// ScoredChunk is a raw hit from one retriever before fusion.
type ScoredChunk struct {
	ChunkID string
	Score   float64
	DocTime time.Time // document recency, used for tie-breaks
}

// SearchResult is a fused, cited retrieval hit. Transient: never persisted.
type SearchResult struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	FirstPage     int     `json:"first_page"`
	Text          string  `json:"text"`
	FusedScore    float64 `json:"fused_score"`
	VectorScore   float64 `json:"vector_score"` // cosine similarity, 0 if not matched by vector search
	VectorRank    int     `json:"vector_rank"`  // 1-based, 0 if absent
	LexicalScore  float64 `json:"lexical_score"`
	LexicalRank   int     `json:"lexical_rank"`
}

// SearchResponse wraps the ranked results with degradation flags.
type SearchResponse struct {
	Results           []SearchResult `json:"results"`
	Partial           bool           `json:"partial"` // one retriever was unavailable
	PartialReason     string         `json:"partial_reason,omitempty"`
	NoRelevantContent bool           `json:"no_relevant_content"` // nothing cleared the similarity threshold
}
