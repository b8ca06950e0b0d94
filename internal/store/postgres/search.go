package postgres

import (
	"context"

	"github.com/pgvector/pgvector-go"

	"github.com/docket-ai/docket/internal/core"
	"github.com/docket-ai/docket/internal/models"
)

// VectorSearch ranks embedded chunks by cosine similarity inside the tenant
// scope. The <=> operator is cosine distance, so similarity is 1 - distance.
func (s *Store) VectorSearch(ctx context.Context, scope core.TenantScope, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	const q = `
		SELECT c.id, 1 - (c.embedding <=> $1) AS score, d.created_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.tenant_id = $2
		  AND ($3 = '' OR d.matter_id = $3)
		  AND c.embedding IS NOT NULL
		ORDER BY c.embedding <=> $1, d.created_at DESC, c.id
		LIMIT $4
	`
	rows, err := s.db.QueryContext(ctx, q,
		pgvector.NewVector(queryVec), scope.TenantID, scope.MatterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		if err := rows.Scan(&sc.ChunkID, &sc.Score, &sc.DocTime); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// LexicalSearch ranks chunks by full-text relevance. websearch_to_tsquery
// understands quoted phrases, so an exact clause citation stays an exact
// phrase match instead of a bag of words.
func (s *Store) LexicalSearch(ctx context.Context, scope core.TenantScope, queryText string, limit int) ([]models.ScoredChunk, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	const q = `
		SELECT c.id, ts_rank_cd(c.text_search, query) AS score, d.created_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id,
		     websearch_to_tsquery('english', $1) query
		WHERE c.tenant_id = $2
		  AND ($3 = '' OR d.matter_id = $3)
		  AND c.text_search @@ query
		ORDER BY score DESC, d.created_at DESC, c.id
		LIMIT $4
	`
	rows, err := s.db.QueryContext(ctx, q,
		queryText, scope.TenantID, scope.MatterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		if err := rows.Scan(&sc.ChunkID, &sc.Score, &sc.DocTime); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
