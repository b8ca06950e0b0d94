// Package embed maps chunk text to fixed-dimension vectors through an
// external embedding provider, with batching, partial retry, and provider
// rate limiting applied on top.
package embed

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/docket-ai/docket/internal/core"
)

// GeminiProvider implements core.EmbeddingProvider over the Gemini
// embedding API.
type GeminiProvider struct {
	client    *genai.Client
	modelName string
	dim       int
}

var _ core.EmbeddingProvider = (*GeminiProvider)(nil)

// NewGeminiProvider constructs the provider. A missing API key is a
// configuration error and fails here, at startup, not per task.
func NewGeminiProvider(ctx context.Context, apiKey, modelName string, dim int) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding provider API key not set")
	}
	if modelName == "" {
		modelName = "text-embedding-004"
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiProvider{client: cl, modelName: modelName, dim: dim}, nil
}

// Embed sends one batch request and returns one vector per input, in order.
func (g *GeminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	em := g.client.EmbeddingModel(g.modelName)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, core.ClassifyProviderError(fmt.Errorf("gemini batch embed: %w", err))
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, core.Transient(core.ReasonProviderUnavailable,
			fmt.Errorf("gemini returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts)))
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		out = append(out, e.Values)
	}
	return out, nil
}

func (g *GeminiProvider) Model() string  { return g.modelName }
func (g *GeminiProvider) Dimension() int { return g.dim }

func (g *GeminiProvider) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
