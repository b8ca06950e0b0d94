// Package postgres backs the engine's persistence on a single Postgres
// database: documents, cached extractions, the task queue, and both
// retrieval indexes (pgvector for cosine similarity, native full-text
// search for lexical ranking). Keeping the indexes in one database lets
// a chunk swap commit atomically for both.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/docket-ai/docket/internal/core"
	"github.com/docket-ai/docket/internal/models"
)

// Store implements core.Store on Postgres.
type Store struct {
	db *sql.DB
}

// New opens a pooled connection, verifies it, and applies the schema
// bootstrap. embedDim sizes the chunk embedding column and must match the
// configured embedding model.
func New(ctx context.Context, databaseURL string, embedDim int) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, embedDim); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateDocument inserts the document; a duplicate id is a no-op so the
// ingest endpoint stays idempotent across client retries.
func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	const q = `
		INSERT INTO documents
			(id, tenant_id, matter_id, title, storage_url, content_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, q,
		doc.ID, doc.TenantID, doc.MatterID, doc.Title, doc.StorageURL, doc.ContentType, doc.Status)
	return err
}

func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	const q = `
		SELECT id, tenant_id, matter_id, title, storage_url, content_type, status,
		       page_count, chunk_count, failure_reason, failure_message,
		       delete_requested, created_at, updated_at
		FROM documents
		WHERE id = $1
	`
	var d models.Document
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&d.ID, &d.TenantID, &d.MatterID, &d.Title, &d.StorageURL, &d.ContentType, &d.Status,
		&d.PageCount, &d.ChunkCount, &d.FailureReason, &d.FailureMessage,
		&d.DeleteRequested, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status models.ProcessingStatus) error {
	const q = `
		UPDATE documents
		SET status = $2, updated_at = now()
		WHERE id = $1
	`
	return s.execOne(ctx, q, id, status)
}

func (s *Store) FailDocument(ctx context.Context, id, reason, message string) error {
	const q = `
		UPDATE documents
		SET status = 'failed', failure_reason = $2, failure_message = $3, updated_at = now()
		WHERE id = $1
	`
	return s.execOne(ctx, q, id, reason, message)
}

func (s *Store) SetPageCount(ctx context.Context, id string, pages int) error {
	const q = `
		UPDATE documents
		SET page_count = $2, updated_at = now()
		WHERE id = $1
	`
	return s.execOne(ctx, q, id, pages)
}

func (s *Store) RequestDelete(ctx context.Context, id string) error {
	const q = `
		UPDATE documents
		SET delete_requested = TRUE, updated_at = now()
		WHERE id = $1
	`
	return s.execOne(ctx, q, id)
}

// DeleteDocument removes the document row; chunks, cached text, and tasks
// go with it via ON DELETE CASCADE.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM documents WHERE id = $1`, id)
}

func (s *Store) SaveDocumentText(ctx context.Context, text *models.DocumentText) error {
	if text == nil {
		return errors.New("nil document text")
	}
	offsets, err := json.Marshal(text.PageOffsets)
	if err != nil {
		return fmt.Errorf("marshal page offsets: %w", err)
	}
	const q = `
		INSERT INTO document_texts (document_id, text, page_offsets, extractor)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id) DO UPDATE
		SET text = EXCLUDED.text,
		    page_offsets = EXCLUDED.page_offsets,
		    extractor = EXCLUDED.extractor,
		    created_at = now()
	`
	_, err = s.db.ExecContext(ctx, q, text.DocumentID, text.Text, offsets, text.Extractor)
	return err
}

func (s *Store) GetDocumentText(ctx context.Context, documentID string) (*models.DocumentText, error) {
	const q = `
		SELECT document_id, text, page_offsets, extractor, created_at
		FROM document_texts
		WHERE document_id = $1
	`
	var (
		t       models.DocumentText
		offsets []byte
	)
	err := s.db.QueryRowContext(ctx, q, documentID).Scan(
		&t.DocumentID, &t.Text, &offsets, &t.Extractor, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(offsets, &t.PageOffsets); err != nil {
		return nil, fmt.Errorf("unmarshal page offsets: %w", err)
	}
	return &t, nil
}

// execOne runs a statement that must affect exactly one row, translating a
// zero-row update into ErrNotFound.
func (s *Store) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}
