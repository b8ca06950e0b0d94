package embed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/internal/core"
)

// fakeProvider scripts per-call behavior for the batching client.
type fakeProvider struct {
	mu    sync.Mutex
	dim   int
	calls [][]string
	fn    func(call int, texts []string) ([][]float32, error)
}

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, append([]string(nil), texts...))
	f.mu.Unlock()
	return f.fn(call, texts)
}

func (f *fakeProvider) Model() string  { return "fake-embed-001" }
func (f *fakeProvider) Dimension() int { return f.dim }

func vecOf(dim int, fill float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = fill
	}
	return v
}

func okVectors(dim int, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = vecOf(dim, float32(i+1))
	}
	return out
}

func testConfig() ClientConfig {
	return ClientConfig{
		BatchSize:      3,
		MaxConcurrency: 2,
		RequestsPerSec: 1000,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
	}
}

func TestEmbedTextsBatchesAndPreservesOrder(t *testing.T) {
	p := &fakeProvider{dim: 4, fn: func(_ int, texts []string) ([][]float32, error) {
		return okVectors(4, texts), nil
	}}
	c := NewClient(p, testConfig(), nil)

	texts := []string{"a", "b", "c", "d", "e", "f", "g"}
	vecs, err := c.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for _, v := range vecs {
		assert.Len(t, v, 4)
	}
	// 7 texts at batch size 3 = 3 provider calls.
	assert.Len(t, p.calls, 3)
	assert.Equal(t, []string{"a", "b", "c"}, p.calls[0])
	assert.Equal(t, []string{"g"}, p.calls[2])
}

func TestEmbedTextsRetriesOnlyMissingItems(t *testing.T) {
	p := &fakeProvider{dim: 2}
	p.fn = func(call int, texts []string) ([][]float32, error) {
		if call == 0 {
			// Second item comes back empty: a partial batch failure.
			out := okVectors(2, texts)
			out[1] = nil
			return out, nil
		}
		return okVectors(2, texts), nil
	}
	c := NewClient(p, testConfig(), nil)

	vecs, err := c.EmbedTexts(context.Background(), []string{"x", "y", "z"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 2)
	}
	// The retry call carried only the failed item.
	require.Len(t, p.calls, 2)
	assert.Equal(t, []string{"y"}, p.calls[1])
}

func TestEmbedTextsTransientErrorRetriesBatch(t *testing.T) {
	p := &fakeProvider{dim: 2}
	p.fn = func(call int, texts []string) ([][]float32, error) {
		if call == 0 {
			return nil, errors.New("429 rate limit exceeded")
		}
		return okVectors(2, texts), nil
	}
	c := NewClient(p, testConfig(), nil)

	vecs, err := c.EmbedTexts(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Len(t, p.calls, 2)
}

func TestEmbedTextsExhaustedRetriesSurfaceTransient(t *testing.T) {
	p := &fakeProvider{dim: 2}
	p.fn = func(int, []string) ([][]float32, error) {
		return nil, errors.New("service unavailable")
	}
	c := NewClient(p, testConfig(), nil)

	_, err := c.EmbedTexts(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
	assert.Len(t, p.calls, 3) // MaxAttempts
}

func TestEmbedTextsDimensionMismatchIsPermanent(t *testing.T) {
	p := &fakeProvider{dim: 4}
	p.fn = func(_ int, texts []string) ([][]float32, error) {
		return okVectors(3, texts), nil // wrong width
	}
	c := NewClient(p, testConfig(), nil)

	_, err := c.EmbedTexts(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, core.IsPermanent(err))
	assert.Equal(t, core.ReasonDimensionMismatch, core.ReasonOf(err))
	// Permanent errors stop immediately: exactly one call, no retries.
	assert.Len(t, p.calls, 1)
}

func TestEmbedTextsPermanentProviderErrorStops(t *testing.T) {
	p := &fakeProvider{dim: 2}
	p.fn = func(int, []string) ([][]float32, error) {
		return nil, core.Permanent(core.ReasonCorruptFile, fmt.Errorf("bad input"))
	}
	c := NewClient(p, testConfig(), nil)

	_, err := c.EmbedTexts(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, core.IsPermanent(err))
	assert.Len(t, p.calls, 1)
}

func TestEmbedQuery(t *testing.T) {
	p := &fakeProvider{dim: 2, fn: func(_ int, texts []string) ([][]float32, error) {
		return okVectors(2, texts), nil
	}}
	c := NewClient(p, testConfig(), nil)

	v, err := c.EmbedQuery(context.Background(), "statutory deadline")
	require.NoError(t, err)
	assert.Len(t, v, 2)
}

func TestEmbedTextsEmptyInput(t *testing.T) {
	p := &fakeProvider{dim: 2, fn: func(_ int, texts []string) ([][]float32, error) {
		return okVectors(2, texts), nil
	}}
	c := NewClient(p, testConfig(), nil)

	vecs, err := c.EmbedTexts(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
	assert.Empty(t, p.calls)
}
