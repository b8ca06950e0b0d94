package core

import (
	"context"
	"io"
	"time"

	"github.com/docket-ai/docket/internal/models"
)

// TenantScope bounds every read to one tenant, optionally narrowed to one
// matter. Stores reject scopes without a tenant id so a caller bug cannot
// widen a query across tenants.
type TenantScope struct {
	TenantID string
	MatterID string // optional narrower scope
}

// Validate returns ErrUnscopedQuery when the scope carries no tenant.
func (s TenantScope) Validate() error {
	if s.TenantID == "" {
		return ErrUnscopedQuery
	}
	return nil
}

// DocumentStore persists documents and their cached extraction output.
// Mutations to processing status go through the orchestrator only.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status models.ProcessingStatus) error
	FailDocument(ctx context.Context, id, reason, message string) error
	SetPageCount(ctx context.Context, id string, pages int) error
	RequestDelete(ctx context.Context, id string) error
	DeleteDocument(ctx context.Context, id string) error // cascades to chunks, tasks, cached text

	SaveDocumentText(ctx context.Context, text *models.DocumentText) error
	GetDocumentText(ctx context.Context, documentID string) (*models.DocumentText, error)
}

// TaskStore is the persisted work queue. ClaimNextTask is the single
// serialization point of the pipeline: it must transition exactly one
// pending task to running via an atomic conditional update.
type TaskStore interface {
	// CreateTask enqueues a task. Returns ErrTaskExists if a non-terminal
	// task for the same (document, stage) is already present.
	CreateTask(ctx context.Context, task *models.ProcessingTask) error

	// ClaimNextTask atomically claims one eligible pending task whose
	// scheduled_at has passed. stage narrows the claim to one stage; pass ""
	// for any. Returns nil, nil when nothing is eligible.
	ClaimNextTask(ctx context.Context, stage models.Stage) (*models.ProcessingTask, error)

	CompleteTask(ctx context.Context, taskID string) error
	FailTask(ctx context.Context, taskID, lastError string) error
	GetTask(ctx context.Context, taskID string) (*models.ProcessingTask, error)
	ListTasks(ctx context.Context, documentID string) ([]models.ProcessingTask, error)

	// HasNonTerminalTask reports whether any pending/running task exists for
	// the document, across stages.
	HasNonTerminalTask(ctx context.Context, documentID string) (bool, error)
}

// ChunkStore persists chunks so that both indexes stay consistent:
// ReplaceChunks swaps a document's chunk set in one transaction, so readers
// observe the old set or the new set, never a mix.
type ChunkStore interface {
	ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
	UpdateChunkEmbeddings(ctx context.Context, chunks []models.Chunk, model string) error
	GetChunksByDocument(ctx context.Context, documentID string) ([]models.Chunk, error)
	GetChunksByIDs(ctx context.Context, scope TenantScope, ids []string) ([]models.Chunk, error)
	CountChunks(ctx context.Context, documentID string) (int, error)
}

// SearchStore runs the two index-backed searches. Both enforce the tenant
// scope internally and order ties by document recency, newest first.
type SearchStore interface {
	VectorSearch(ctx context.Context, scope TenantScope, queryVec []float32, limit int) ([]models.ScoredChunk, error)
	LexicalSearch(ctx context.Context, scope TenantScope, queryText string, limit int) ([]models.ScoredChunk, error)
}

// Store aggregates the persistence surface the engine needs.
type Store interface {
	DocumentStore
	TaskStore
	ChunkStore
	SearchStore
}

// EmbeddingProvider maps texts to fixed-dimension vectors, one per input, in
// input order. External network call; callers wrap it with batching and
// rate limiting.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// ObjectClient reads uploaded files from object storage.
type ObjectClient interface {
	GetFile(ctx context.Context, locator string) ([]byte, error)
	GetObjectReader(ctx context.Context, locator string) (io.ReadCloser, error)
}

// Extraction is raw text plus the rune offset where each page begins.
type Extraction struct {
	Text        string
	PageOffsets []int
	Extractor   string
}

// DocumentExtractor turns stored bytes into text with page boundaries.
// Image-only pages fall back to the OCR hook supplied at construction.
type DocumentExtractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (*Extraction, error)
}

// Clock abstracts time for deterministic scheduling tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
