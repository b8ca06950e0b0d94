package embed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/docket-ai/docket/internal/core"
)

// ClientConfig tunes the batching wrapper around a provider.
type ClientConfig struct {
	BatchSize      int           // max texts per provider call
	MaxConcurrency int           // provider calls in flight at once
	RequestsPerSec float64       // provider-wide rate cap
	MaxAttempts    int           // in-call attempts per batch (transient errors only)
	RetryBaseDelay time.Duration // doubles per attempt
}

// DefaultClientConfig caps batches at 100 texts and keeps the provider well
// under typical rate limits even with many documents embedding at once.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BatchSize:      100,
		MaxConcurrency: 4,
		RequestsPerSec: 10,
		MaxAttempts:    3,
		RetryBaseDelay: 500 * time.Millisecond,
	}
}

func (c ClientConfig) normalized() ClientConfig {
	d := DefaultClientConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.RequestsPerSec <= 0 {
		c.RequestsPerSec = d.RequestsPerSec
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	return c
}

// Client batches texts through an EmbeddingProvider. The rate limiter and
// concurrency cap are independent of the pipeline's own retry backoff so
// many documents embedding simultaneously cannot overwhelm the provider.
type Client struct {
	provider core.EmbeddingProvider
	cfg      ClientConfig
	limiter  *rate.Limiter
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

// NewClient wraps a provider with batching, partial retry, and rate limits.
func NewClient(provider core.EmbeddingProvider, cfg ClientConfig, logger *slog.Logger) *Client {
	cfg = cfg.normalized()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		provider: provider,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger:   logger,
	}
}

// Model reports the wrapped provider's model identifier.
func (c *Client) Model() string { return c.provider.Model() }

// Dimension reports the declared vector dimension.
func (c *Client) Dimension() int { return c.provider.Dimension() }

// EmbedTexts returns one vector per input, in input order. Each batch is
// retried independently on transient failure, so one bad batch does not
// restart the whole set. A vector of the wrong dimension is permanent:
// retrying the same model cannot fix it.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d]: %w", start, end, err)
		}
		copy(out[start:end], vecs)
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := c.embedBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// embedBatch runs one provider call under the rate limiter and concurrency
// cap. Items the provider returned nothing for are retried on their own
// rather than failing the batch.
func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := c.callWithRetry(ctx, texts)
	if err != nil {
		return nil, err
	}

	// Collect indexes with missing vectors and retry only those.
	var missing []int
	for i, v := range vecs {
		if len(v) == 0 {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		c.logger.Warn("partial embedding batch, retrying failed items", "missing", len(missing), "batch", len(texts))
		retryTexts := make([]string, len(missing))
		for i, idx := range missing {
			retryTexts[i] = texts[idx]
		}
		retried, err := c.callWithRetry(ctx, retryTexts)
		if err != nil {
			return nil, err
		}
		for i, idx := range missing {
			vecs[idx] = retried[i]
		}
	}

	want := c.provider.Dimension()
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, core.Transient(core.ReasonProviderUnavailable,
				fmt.Errorf("no embedding returned for item %d after retry", i))
		}
		if want > 0 && len(v) != want {
			return nil, core.Permanent(core.ReasonDimensionMismatch,
				fmt.Errorf("model %s returned %d dimensions, declared %d", c.provider.Model(), len(v), want))
		}
	}
	return vecs, nil
}

// callWithRetry makes up to MaxAttempts provider calls with exponential
// backoff, only for transiently classified errors.
func (c *Client) callWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		vecs, err := c.provider.Embed(ctx, texts)
		if err == nil {
			if len(vecs) != len(texts) {
				return nil, core.Transient(core.ReasonProviderUnavailable,
					fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(texts)))
			}
			if attempt > 1 {
				c.logger.Debug("embedding call succeeded after retry", "attempt", attempt)
			}
			return vecs, nil
		}

		lastErr = core.ClassifyProviderError(err)
		if core.IsPermanent(lastErr) {
			return nil, lastErr
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := c.cfg.RetryBaseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
		c.logger.Debug("embedding call failed, backing off", "attempt", attempt, "delay", delay, "error", lastErr)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}
