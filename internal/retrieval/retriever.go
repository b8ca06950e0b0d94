package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/docket-ai/docket/internal/core"
	"github.com/docket-ai/docket/internal/models"
)

// QueryEmbedder produces the query-side embedding.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Config tunes the hybrid retriever.
type Config struct {
	RRFConstant         int
	SimilarityThreshold float64 // minimum best contributing score (normalized)
	OverFetchFactor     int     // each sub-search fetches limit * factor
	MinOverFetch        int
}

// DefaultConfig mirrors the operational defaults; none of these numbers is
// a correctness contract.
func DefaultConfig() Config {
	return Config{
		RRFConstant:         DefaultRRFConstant,
		SimilarityThreshold: 0.30,
		OverFetchFactor:     4,
		MinOverFetch:        20,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.RRFConstant <= 0 {
		c.RRFConstant = d.RRFConstant
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.OverFetchFactor <= 0 {
		c.OverFetchFactor = d.OverFetchFactor
	}
	if c.MinOverFetch <= 0 {
		c.MinOverFetch = d.MinOverFetch
	}
	return c
}

// Retriever answers a query against a tenant's corpus. The two sub-searches
// run concurrently; losing one degrades the answer instead of failing it,
// since the other index can still produce useful, explicitly flagged
// results.
type Retriever struct {
	search   core.SearchStore
	chunks   core.ChunkStore
	docs     core.DocumentStore
	embedder QueryEmbedder
	cfg      Config
	logger   *slog.Logger
}

// NewRetriever wires the retriever's dependencies explicitly; there are no
// hidden singletons.
func NewRetriever(search core.SearchStore, chunks core.ChunkStore, docs core.DocumentStore, embedder QueryEmbedder, cfg Config, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		search:   search,
		chunks:   chunks,
		docs:     docs,
		embedder: embedder,
		cfg:      cfg.normalized(),
		logger:   logger,
	}
}

// Search runs the hybrid retrieval algorithm: embed the query, run vector
// and lexical search concurrently with over-fetch, fuse via RRF, threshold
// on the best contributing score, and attach citations.
// threshold <= 0 uses the configured default.
func (r *Retriever) Search(ctx context.Context, scope core.TenantScope, query string, limit int, threshold float64) (*models.SearchResponse, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if query == "" {
		return &models.SearchResponse{NoRelevantContent: true}, nil
	}
	if limit <= 0 {
		limit = 10
	}
	if threshold <= 0 {
		threshold = r.cfg.SimilarityThreshold
	}
	fetch := limit * r.cfg.OverFetchFactor
	if fetch < r.cfg.MinOverFetch {
		fetch = r.cfg.MinOverFetch
	}

	var (
		vecResults []models.ScoredChunk
		lexResults []models.ScoredChunk
		vecErr     error
		lexErr     error
	)

	// Sub-search failures are captured, not returned: a dead embedding
	// provider must not take lexical search down with it. Context
	// cancellation still aborts both branches.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		qv, err := r.embedder.EmbedQuery(gctx, query)
		if err != nil {
			vecErr = fmt.Errorf("embed query: %w", core.ClassifyProviderError(err))
			return nil
		}
		vecResults, err = r.search.VectorSearch(gctx, scope, qv, fetch)
		if err != nil {
			vecErr = fmt.Errorf("vector search: %w", core.ClassifyProviderError(err))
		}
		return nil
	})
	g.Go(func() error {
		var err error
		lexResults, err = r.search.LexicalSearch(gctx, scope, query, fetch)
		if err != nil {
			lexErr = fmt.Errorf("lexical search: %w", core.ClassifyProviderError(err))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// A canceled query returns no partial results.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if vecErr != nil && lexErr != nil {
		return nil, fmt.Errorf("both retrievers failed: %v; %v", vecErr, lexErr)
	}

	resp := &models.SearchResponse{}
	switch {
	case vecErr != nil:
		r.logger.Warn("vector retrieval degraded to lexical-only", "error", vecErr)
		resp.Partial = true
		resp.PartialReason = core.ReasonOf(vecErr)
	case lexErr != nil:
		r.logger.Warn("lexical retrieval degraded to vector-only", "error", lexErr)
		resp.Partial = true
		resp.PartialReason = core.ReasonOf(lexErr)
	}

	fusedResults := fuse(vecResults, lexResults, r.cfg.RRFConstant)
	lexNorm := normalizeLexical(lexResults)

	// Threshold on the best contributing raw score, not the fused score:
	// fused scores are not comparable across query types.
	kept := fusedResults[:0]
	for _, f := range fusedResults {
		best := f.vectorScore
		if n := lexNorm[f.chunkID]; n > best {
			best = n
		}
		if best >= threshold {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		resp.NoRelevantContent = true
		resp.Results = []models.SearchResult{}
		return resp, nil
	}
	if len(kept) > limit {
		kept = kept[:limit]
	}

	results, err := r.enrich(ctx, scope, kept)
	if err != nil {
		return nil, err
	}
	resp.Results = results
	return resp, nil
}

// enrich attaches chunk text and document citations to the fused ranking.
// Chunk lookup is scoped, so even here a foreign chunk id cannot leak
// another tenant's content.
func (r *Retriever) enrich(ctx context.Context, scope core.TenantScope, kept []fused) ([]models.SearchResult, error) {
	ids := make([]string, len(kept))
	for i, f := range kept {
		ids[i] = f.chunkID
	}
	chunks, err := r.chunks.GetChunksByIDs(ctx, scope, ids)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	chunkByID := make(map[string]models.Chunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ID] = c
	}

	titles := make(map[string]string)
	results := make([]models.SearchResult, 0, len(kept))
	for _, f := range kept {
		c, ok := chunkByID[f.chunkID]
		if !ok {
			// Chunk deleted between search and enrichment; skip it.
			continue
		}
		title, ok := titles[c.DocumentID]
		if !ok {
			doc, err := r.docs.GetDocument(ctx, c.DocumentID)
			if err == nil && doc != nil {
				title = doc.Title
			}
			titles[c.DocumentID] = title
		}
		results = append(results, models.SearchResult{
			ChunkID:       c.ID,
			DocumentID:    c.DocumentID,
			DocumentTitle: title,
			FirstPage:     c.FirstPage,
			Text:          c.Text,
			FusedScore:    f.score,
			VectorScore:   f.vectorScore,
			VectorRank:    f.vectorRank,
			LexicalScore:  f.lexicalScore,
			LexicalRank:   f.lexicalRank,
		})
	}
	return results, nil
}
