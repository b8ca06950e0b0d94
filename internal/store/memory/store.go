// Package memory is an in-memory implementation of the engine's store
// interfaces. It backs unit tests and enforces the same invariants as the
// Postgres store: atomic task claims, one non-terminal task per (document,
// stage), tenant-scoped queries, and transactional chunk-set swaps.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docket-ai/docket/internal/core"
	"github.com/docket-ai/docket/internal/models"
)

// Store holds everything behind one mutex; contention is irrelevant at test
// scale and the single lock is what makes claims atomic.
type Store struct {
	mu    sync.Mutex
	clock core.Clock

	documents map[string]*models.Document
	texts     map[string]*models.DocumentText
	chunks    map[string][]models.Chunk // by document id, ordered by ordinal
	tasks     map[string]*models.ProcessingTask
}

var _ core.Store = (*Store)(nil)

// New creates an empty store using the system clock.
func New() *Store {
	return NewWithClock(core.SystemClock{})
}

// NewWithClock creates a store with an injected clock, so tests can move
// time past retry backoff windows.
func NewWithClock(clock core.Clock) *Store {
	return &Store{
		clock:     clock,
		documents: make(map[string]*models.Document),
		texts:     make(map[string]*models.DocumentText),
		chunks:    make(map[string][]models.Chunk),
		tasks:     make(map[string]*models.ProcessingTask),
	}
}

// --- DocumentStore ---

// CreateDocument inserts the document; a second call with the same id is a
// no-op, which is what makes enqueueing idempotent.
func (s *Store) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[doc.ID]; ok {
		return nil
	}
	now := s.clock.Now()
	cp := *doc
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.documents[doc.ID] = &cp
	return nil
}

func (s *Store) GetDocument(_ context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (s *Store) UpdateDocumentStatus(_ context.Context, id string, status models.ProcessingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return core.ErrNotFound
	}
	doc.Status = status
	doc.UpdatedAt = s.clock.Now()
	return nil
}

func (s *Store) FailDocument(_ context.Context, id, reason, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return core.ErrNotFound
	}
	doc.Status = models.StatusFailed
	doc.FailureReason = reason
	doc.FailureMessage = message
	doc.UpdatedAt = s.clock.Now()
	return nil
}

func (s *Store) SetPageCount(_ context.Context, id string, pages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return core.ErrNotFound
	}
	doc.PageCount = pages
	doc.UpdatedAt = s.clock.Now()
	return nil
}

func (s *Store) RequestDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return core.ErrNotFound
	}
	doc.DeleteRequested = true
	doc.UpdatedAt = s.clock.Now()
	return nil
}

// DeleteDocument cascades to chunks, tasks, and cached text.
func (s *Store) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.documents, id)
	delete(s.texts, id)
	delete(s.chunks, id)
	for tid, t := range s.tasks {
		if t.DocumentID == id {
			delete(s.tasks, tid)
		}
	}
	return nil
}

func (s *Store) SaveDocumentText(_ context.Context, text *models.DocumentText) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *text
	cp.PageOffsets = append([]int(nil), text.PageOffsets...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock.Now()
	}
	s.texts[text.DocumentID] = &cp
	return nil
}

func (s *Store) GetDocumentText(_ context.Context, documentID string) (*models.DocumentText, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.texts[documentID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// --- TaskStore ---

func (s *Store) CreateTask(_ context.Context, task *models.ProcessingTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.DocumentID == task.DocumentID && t.Stage == task.Stage && !t.Status.Terminal() {
			return core.ErrTaskExists
		}
	}
	cp := *task
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = models.TaskPending
	}
	if cp.ScheduledAt.IsZero() {
		cp.ScheduledAt = s.clock.Now()
	}
	s.tasks[cp.ID] = &cp
	task.ID = cp.ID
	return nil
}

// ClaimNextTask picks the eligible pending task with the earliest
// scheduled_at and flips it to running under the store lock: the in-memory
// equivalent of a single conditional UPDATE.
func (s *Store) ClaimNextTask(_ context.Context, stage models.Stage) (*models.ProcessingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	var best *models.ProcessingTask
	for _, t := range s.tasks {
		if t.Status != models.TaskPending {
			continue
		}
		if stage != "" && t.Stage != stage {
			continue
		}
		if t.ScheduledAt.After(now) {
			continue
		}
		if best == nil || t.ScheduledAt.Before(best.ScheduledAt) ||
			(t.ScheduledAt.Equal(best.ScheduledAt) && t.ID < best.ID) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = models.TaskRunning
	started := now
	best.StartedAt = &started
	cp := *best
	return &cp, nil
}

func (s *Store) CompleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return core.ErrNotFound
	}
	t.Status = models.TaskSucceeded
	done := s.clock.Now()
	t.CompletedAt = &done
	return nil
}

func (s *Store) FailTask(_ context.Context, taskID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return core.ErrNotFound
	}
	t.Status = models.TaskFailed
	t.LastError = lastError
	done := s.clock.Now()
	t.CompletedAt = &done
	return nil
}

func (s *Store) GetTask(_ context.Context, taskID string) (*models.ProcessingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTasks(_ context.Context, documentID string) ([]models.ProcessingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProcessingTask
	for _, t := range s.tasks {
		if t.DocumentID == documentID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) HasNonTerminalTask(_ context.Context, documentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.DocumentID == documentID && !t.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// --- ChunkStore ---

// ReplaceChunks swaps the document's chunk set atomically (one lock hold)
// and keeps the denormalized chunk count in step, as the Postgres store does
// inside one transaction.
func (s *Store) ReplaceChunks(_ context.Context, documentID string, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		cp[i] = c
		cp[i].Embedding = append([]float32(nil), c.Embedding...)
		if cp[i].ID == "" {
			cp[i].ID = uuid.NewString()
		}
		if cp[i].CreatedAt.IsZero() {
			cp[i].CreatedAt = s.clock.Now()
		}
	}
	s.chunks[documentID] = cp
	if doc, ok := s.documents[documentID]; ok {
		doc.ChunkCount = len(cp)
		doc.UpdatedAt = s.clock.Now()
	}
	return nil
}

func (s *Store) UpdateChunkEmbeddings(_ context.Context, chunks []models.Chunk, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vecs := make(map[string][]float32, len(chunks))
	for _, c := range chunks {
		vecs[c.ID] = append([]float32(nil), c.Embedding...)
	}
	for docID, list := range s.chunks {
		for i := range list {
			if v, ok := vecs[list[i].ID]; ok {
				list[i].Embedding = v
				list[i].EmbeddingModel = model
			}
		}
		s.chunks[docID] = list
	}
	return nil
}

func (s *Store) GetChunksByDocument(_ context.Context, documentID string) ([]models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.chunks[documentID]
	out := make([]models.Chunk, len(list))
	copy(out, list)
	return out, nil
}

func (s *Store) GetChunksByIDs(_ context.Context, scope core.TenantScope, ids []string) ([]models.Chunk, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []models.Chunk
	for docID, list := range s.chunks {
		if !s.inScopeLocked(docID, scope) {
			continue
		}
		for _, c := range list {
			if want[c.ID] {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (s *Store) CountChunks(_ context.Context, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks[documentID]), nil
}

// --- SearchStore ---

func (s *Store) VectorSearch(_ context.Context, scope core.TenantScope, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ScoredChunk
	for docID, list := range s.chunks {
		if !s.inScopeLocked(docID, scope) {
			continue
		}
		docTime := s.docTimeLocked(docID)
		for _, c := range list {
			if len(c.Embedding) == 0 {
				continue
			}
			out = append(out, models.ScoredChunk{
				ChunkID: c.ID,
				Score:   cosine(queryVec, c.Embedding),
				DocTime: docTime,
			})
		}
	}
	sortScored(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LexicalSearch is a naive term-frequency scorer with an exact-phrase
// bonus. Production lexical search is Postgres full text; this only has to
// rank plausibly for tests, including exact-token matches.
func (s *Store) LexicalSearch(_ context.Context, scope core.TenantScope, queryText string, limit int) ([]models.ScoredChunk, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	phrase := strings.ToLower(strings.Trim(strings.TrimSpace(queryText), `"`))
	terms := tokenize(phrase)
	if len(terms) == 0 {
		return nil, nil
	}

	var out []models.ScoredChunk
	for docID, list := range s.chunks {
		if !s.inScopeLocked(docID, scope) {
			continue
		}
		docTime := s.docTimeLocked(docID)
		for _, c := range list {
			lower := strings.ToLower(c.Text)
			chunkTerms := tokenize(lower)
			tf := make(map[string]int, len(chunkTerms))
			for _, t := range chunkTerms {
				tf[t]++
			}
			score := 0.0
			for _, t := range terms {
				if n := tf[t]; n > 0 {
					score += 1 + math.Log(float64(n))
				}
			}
			if score == 0 {
				continue
			}
			if strings.Contains(lower, phrase) {
				score *= 2 // exact phrase present
			}
			out = append(out, models.ScoredChunk{ChunkID: c.ID, Score: score, DocTime: docTime})
		}
	}
	sortScored(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// inScopeLocked reports whether the document belongs to the tenant (and
// matter, when narrowed). Callers hold s.mu.
func (s *Store) inScopeLocked(docID string, scope core.TenantScope) bool {
	doc, ok := s.documents[docID]
	if !ok {
		return false
	}
	if doc.TenantID != scope.TenantID {
		return false
	}
	if scope.MatterID != "" && doc.MatterID != scope.MatterID {
		return false
	}
	return true
}

func (s *Store) docTimeLocked(docID string) time.Time {
	if doc, ok := s.documents[docID]; ok {
		return doc.CreatedAt
	}
	return time.Time{}
}

func sortScored(out []models.ScoredChunk) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].DocTime.Equal(out[j].DocTime) {
			return out[i].DocTime.After(out[j].DocTime)
		}
		return out[i].ChunkID < out[j].ChunkID
	})
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	})
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
