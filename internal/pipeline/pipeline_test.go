package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/internal/chunker"
	"github.com/docket-ai/docket/internal/core"
	"github.com/docket-ai/docket/internal/extract"
	"github.com/docket-ai/docket/internal/models"
	"github.com/docket-ai/docket/internal/retrieval"
	"github.com/docket-ai/docket/internal/store/memory"
)

type fakeObjects struct {
	files map[string][]byte
}

func (f *fakeObjects) GetFile(_ context.Context, locator string) ([]byte, error) {
	data, ok := f.files[locator]
	if !ok {
		return nil, fmt.Errorf("object %s: not found", locator)
	}
	return data, nil
}

func (f *fakeObjects) GetObjectReader(ctx context.Context, locator string) (io.ReadCloser, error) {
	data, err := f.GetFile(ctx, locator)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// hashEmbedder maps each word to a bucket of a fixed-dimension vector, so
// texts sharing words get high cosine similarity. Deterministic and cheap.
type hashEmbedder struct {
	mu       sync.Mutex
	failNext error
	calls    int
}

const embedDim = 64

func embedText(s string) []float32 {
	v := make([]float32, embedDim)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:\"'()")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%embedDim]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}

func (e *hashEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failNext != nil {
		err := e.failNext
		e.failNext = nil
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedText(t)
	}
	return out, nil
}

func (e *hashEmbedder) Model() string { return "test-embed" }

func (e *hashEmbedder) EmbedQuery(_ context.Context, query string) ([]float32, error) {
	return embedText(query), nil
}

const lienActText = "CONSTRUCTION SERVICES AGREEMENT\n\n" +
	"The contractor shall keep full records of all labour and materials supplied " +
	"to the project and make them available on request.\n\n" +
	"\fHOLDBACK OBLIGATIONS\n\n" +
	"The Builders Lien Act requires the owner to retain a ten percent holdback " +
	"from every payment until fifty five days after substantial completion of the work."

type env struct {
	store  *memory.Store
	orch   *Orchestrator
	runner *Runner
	clock  *fakeClock
	embed  *hashEmbedder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := newFakeClock()
	store := memory.NewWithClock(clock)
	embedder := &hashEmbedder{}
	objects := &fakeObjects{files: map[string][]byte{
		"s3://docs/agreement.txt": []byte(lienActText),
		"s3://docs/binary.bin":    {0xde, 0xad, 0xbe, 0xef},
	}}
	// Zero overlap keeps chunk/page boundaries aligned for exact citation
	// assertions.
	runner := NewRunner(store, objects, extract.NewDocconvExtractor(nil, nil), embedder, chunker.Config{
		TargetTokens:  40,
		MaxTokens:     80,
		OverlapTokens: 0,
	}, nil)
	orch := NewOrchestrator(store, OrchestratorConfig{MaxRetries: 3, RetryBaseDelay: time.Minute}, clock, nil)
	return &env{store: store, orch: orch, runner: runner, clock: clock, embed: embedder}
}

// pump claims and runs tasks until the queue drains, advancing the clock
// past any retry backoff.
func (e *env) pump(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		task, err := e.store.ClaimNextTask(ctx, "")
		require.NoError(t, err)
		if task == nil {
			e.clock.Advance(5 * time.Minute)
			task, err = e.store.ClaimNextTask(ctx, "")
			require.NoError(t, err)
			if task == nil {
				return
			}
		}
		if runErr := e.runner.Run(ctx, task); runErr != nil {
			require.NoError(t, e.orch.Fail(ctx, task, runErr))
		} else {
			require.NoError(t, e.orch.Complete(ctx, task))
		}
	}
	t.Fatal("pipeline did not drain")
}

func TestPipelineEndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.CreateDocument(ctx, &models.Document{
		ID:          "d1",
		TenantID:    "t1",
		Title:       "Construction Services Agreement",
		StorageURL:  "s3://docs/agreement.txt",
		ContentType: "text/plain",
		Status:      models.StatusPending,
	}))
	require.NoError(t, e.orch.Enqueue(ctx, "d1"))
	e.pump(t)

	doc, err := e.store.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEmbedded, doc.Status)
	assert.Equal(t, 2, doc.PageCount)
	assert.Positive(t, doc.ChunkCount)

	chunks, err := e.store.GetChunksByDocument(ctx, "d1")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.NotEmpty(t, c.Embedding, "chunk %d missing embedding", c.OrdinalIndex)
		assert.Equal(t, "test-embed", c.EmbeddingModel)
	}

	// The ingested corpus is immediately searchable with a citation back to
	// the right page.
	r := retrieval.NewRetriever(e.store, e.store, e.store, e.embed, retrieval.DefaultConfig(), nil)
	resp, err := r.Search(ctx, core.TenantScope{TenantID: "t1"}, "Builders Lien Act holdback", 5, 0)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	assert.Contains(t, top.Text, "Builders Lien Act")
	assert.Equal(t, "Construction Services Agreement", top.DocumentTitle)
	assert.Equal(t, 2, top.FirstPage)
}

func TestPipelineRecoversFromTransientEmbedFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.CreateDocument(ctx, &models.Document{
		ID:          "d1",
		TenantID:    "t1",
		Title:       "Agreement",
		StorageURL:  "s3://docs/agreement.txt",
		ContentType: "text/plain",
		Status:      models.StatusPending,
	}))
	e.embed.failNext = core.Transient(core.ReasonRateLimited, errors.New("429"))

	require.NoError(t, e.orch.Enqueue(ctx, "d1"))
	e.pump(t)

	doc, err := e.store.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEmbedded, doc.Status, "transient failure must be retried to success")
	assert.GreaterOrEqual(t, e.embed.calls, 2)
}

func TestPipelineFailsDocumentOnUnsupportedFormat(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.CreateDocument(ctx, &models.Document{
		ID:          "d1",
		TenantID:    "t1",
		Title:       "Binary blob",
		StorageURL:  "s3://docs/binary.bin",
		ContentType: "application/x-msdownload",
		Status:      models.StatusPending,
	}))
	require.NoError(t, e.orch.Enqueue(ctx, "d1"))
	e.pump(t)

	doc, err := e.store.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Equal(t, core.ReasonUnsupportedFormat, doc.FailureReason)
	assert.Zero(t, e.embed.calls, "embed stage must never run for a failed extraction")
}

// blockingObjects never returns until the stage context is canceled, which
// is how a stalled external dependency looks to the worker.
type blockingObjects struct{}

func (blockingObjects) GetFile(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingObjects) GetObjectReader(ctx context.Context, _ string) (io.ReadCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWorkerSoftTimeoutRetriesAsTransient(t *testing.T) {
	store := memory.New()
	runner := NewRunner(store, blockingObjects{}, extract.NewDocconvExtractor(nil, nil), &hashEmbedder{}, chunker.DefaultConfig(), nil)
	orch := NewOrchestrator(store, DefaultOrchestratorConfig(), nil, nil)

	worker, err := NewWorker(store, runner, orch, WorkerConfig{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		SoftTimeout:  50 * time.Millisecond,
		HardTimeout:  2 * time.Second,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)
	defer func() {
		cancel()
		worker.Stop()
	}()

	require.NoError(t, store.CreateDocument(ctx, &models.Document{
		ID:          "d1",
		TenantID:    "t1",
		Title:       "Stalled",
		StorageURL:  "s3://docs/stalled.txt",
		ContentType: "text/plain",
		Status:      models.StatusPending,
	}))
	require.NoError(t, orch.Enqueue(ctx, "d1"))

	assert.Eventually(t, func() bool {
		tasks, err := store.ListTasks(ctx, "d1")
		if err != nil {
			return false
		}
		var failed, pending bool
		for _, task := range tasks {
			if task.Status == models.TaskFailed {
				failed = true
			}
			if task.Status == models.TaskPending && task.RetryCount == 1 {
				pending = true
			}
		}
		return failed && pending
	}, 3*time.Second, 20*time.Millisecond,
		"soft timeout should fail the attempt as transient and schedule a retry")

	doc, err := store.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.NotEqual(t, models.StatusFailed, doc.Status, "transient timeout must not fail the document")
}

func TestWorkerProcessesQueue(t *testing.T) {
	store := memory.New()
	embedder := &hashEmbedder{}
	objects := &fakeObjects{files: map[string][]byte{
		"s3://docs/agreement.txt": []byte(lienActText),
	}}
	runner := NewRunner(store, objects, extract.NewDocconvExtractor(nil, nil), embedder, chunker.DefaultConfig(), nil)
	orch := NewOrchestrator(store, DefaultOrchestratorConfig(), nil, nil)

	worker, err := NewWorker(store, runner, orch, WorkerConfig{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		SoftTimeout:  5 * time.Second,
		HardTimeout:  10 * time.Second,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)
	defer func() {
		cancel()
		worker.Stop()
	}()

	require.NoError(t, store.CreateDocument(ctx, &models.Document{
		ID:          "d1",
		TenantID:    "t1",
		Title:       "Agreement",
		StorageURL:  "s3://docs/agreement.txt",
		ContentType: "text/plain",
		Status:      models.StatusPending,
	}))
	require.NoError(t, orch.Enqueue(ctx, "d1"))

	assert.Eventually(t, func() bool {
		doc, err := store.GetDocument(ctx, "d1")
		return err == nil && doc.Status == models.StatusEmbedded
	}, 5*time.Second, 20*time.Millisecond, "worker should drive the document to embedded")
}
