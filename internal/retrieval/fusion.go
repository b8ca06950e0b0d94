// Package retrieval answers queries by fusing vector similarity search and
// lexical full-text search into one ranked, cited result set.
package retrieval

import (
	"sort"
	"time"

	"github.com/docket-ai/docket/internal/models"
)

// DefaultRRFConstant dampens the advantage of rank-1 items. k=60 is the
// standard choice across rank-fusion implementations.
const DefaultRRFConstant = 60

// fused is one chunk's combined standing across both retrievers.
type fused struct {
	chunkID      string
	score        float64
	vectorScore  float64
	vectorRank   int // 1-based, 0 if absent
	lexicalScore float64
	lexicalRank  int
	docTime      time.Time
}

// fuse combines the two ranked lists with Reciprocal Rank Fusion: each
// chunk scores the sum of 1/(k+rank) over the lists it appears in. A chunk
// absent from one list simply contributes nothing for that list; absence is
// not a penalty and no rank is imputed.
func fuse(vector, lexical []models.ScoredChunk, k int) []fused {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	byID := make(map[string]*fused, len(vector)+len(lexical))

	get := func(id string) *fused {
		if f, ok := byID[id]; ok {
			return f
		}
		f := &fused{chunkID: id}
		byID[id] = f
		return f
	}

	for i, r := range vector {
		f := get(r.ChunkID)
		f.vectorScore = r.Score
		f.vectorRank = i + 1
		f.docTime = r.DocTime
		f.score += 1 / float64(k+i+1)
	}
	for i, r := range lexical {
		f := get(r.ChunkID)
		f.lexicalScore = r.Score
		f.lexicalRank = i + 1
		if f.docTime.IsZero() {
			f.docTime = r.DocTime
		}
		f.score += 1 / float64(k+i+1)
	}

	out := make([]fused, 0, len(byID))
	for _, f := range byID {
		out = append(out, *f)
	}

	// Fused score descending; ties broken by the stronger raw contribution,
	// then document recency, then chunk id for a stable order.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.score != b.score {
			return a.score > b.score
		}
		am, bm := maxScore(a), maxScore(b)
		if am != bm {
			return am > bm
		}
		if !a.docTime.Equal(b.docTime) {
			return a.docTime.After(b.docTime)
		}
		return a.chunkID < b.chunkID
	})
	return out
}

func maxScore(f fused) float64 {
	if f.vectorScore > f.lexicalScore {
		return f.vectorScore
	}
	return f.lexicalScore
}

// normalizeLexical rescales lexical relevance scores to [0, 1] by the list
// maximum. ts_rank-style scores are not on the cosine-similarity scale, so
// the minimum-score threshold is applied to the normalized value while the
// raw score is still reported for explainability.
func normalizeLexical(results []models.ScoredChunk) map[string]float64 {
	norm := make(map[string]float64, len(results))
	if len(results) == 0 {
		return norm
	}
	max := results[0].Score
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	if max <= 0 {
		return norm
	}
	for _, r := range results {
		norm[r.ChunkID] = r.Score / max
	}
	return norm
}
