package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/docket-ai/docket/internal/core"
	"github.com/docket-ai/docket/internal/models"
)

const chunkColumns = `id, document_id, tenant_id, ordinal_index, text, token_count,
	first_page, last_page, section_heading, embedding, embedding_model, created_at`

// ReplaceChunks swaps the document's chunk set in one transaction. Readers
// see the old set or the new set, never a mix, and both indexes (vector and
// text_search) flip together since they live on the same rows.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return err
	}

	const q = `
		INSERT INTO chunks
			(id, document_id, tenant_id, ordinal_index, text, token_count,
			 first_page, last_page, section_heading, embedding, embedding_model)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		ch.DocumentID = documentID
		var emb any
		if len(ch.Embedding) > 0 {
			emb = pgvector.NewVector(ch.Embedding)
		}
		if _, err := stmt.ExecContext(ctx,
			ch.ID, ch.DocumentID, ch.TenantID, ch.OrdinalIndex, ch.Text, ch.TokenCount,
			ch.FirstPage, ch.LastPage, ch.SectionHeading, emb, ch.EmbeddingModel,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET chunk_count = $2, updated_at = now() WHERE id = $1`,
		documentID, len(chunks),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpdateChunkEmbeddings(ctx context.Context, chunks []models.Chunk, model string) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
		UPDATE chunks
		SET embedding = $2, embedding_model = $3
		WHERE id = $1
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		if len(ch.Embedding) == 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, ch.ID, pgvector.NewVector(ch.Embedding), model); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetChunksByDocument(ctx context.Context, documentID string) ([]models.Chunk, error) {
	const q = `
		SELECT ` + chunkColumns + `
		FROM chunks
		WHERE document_id = $1
		ORDER BY ordinal_index
	`
	rows, err := s.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetChunksByIDs resolves chunk ids inside the tenant scope; ids belonging
// to other tenants are silently dropped.
func (s *Store) GetChunksByIDs(ctx context.Context, scope core.TenantScope, ids []string) ([]models.Chunk, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `
		SELECT c.id, c.document_id, c.tenant_id, c.ordinal_index, c.text, c.token_count,
		       c.first_page, c.last_page, c.section_heading, c.embedding, c.embedding_model, c.created_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.id = ANY($1)
		  AND c.tenant_id = $2
		  AND ($3 = '' OR d.matter_id = $3)
	`
	rows, err := s.db.QueryContext(ctx, q, ids, scope.TenantID, scope.MatterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *Store) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&n)
	return n, err
}

func scanChunks(rows *sql.Rows) ([]models.Chunk, error) {
	var out []models.Chunk
	for rows.Next() {
		var (
			ch      models.Chunk
			heading sql.NullString
			model   sql.NullString
			emb     sql.Null[pgvector.Vector]
		)
		if err := rows.Scan(
			&ch.ID, &ch.DocumentID, &ch.TenantID, &ch.OrdinalIndex, &ch.Text, &ch.TokenCount,
			&ch.FirstPage, &ch.LastPage, &heading, &emb, &model, &ch.CreatedAt,
		); err != nil {
			return nil, err
		}
		ch.SectionHeading = heading.String
		ch.EmbeddingModel = model.String
		if emb.Valid {
			ch.Embedding = emb.V.Slice()
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
