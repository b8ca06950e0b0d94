// Package app wires the engine's components together: store, object
// storage, embedding provider, pipeline workers, retriever, and the HTTP
// surface.
package app

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/docket-ai/docket/internal/api"
	"github.com/docket-ai/docket/internal/api/handlers"
	"github.com/docket-ai/docket/internal/chunker"
	"github.com/docket-ai/docket/internal/config"
	"github.com/docket-ai/docket/internal/embed"
	"github.com/docket-ai/docket/internal/extract"
	"github.com/docket-ai/docket/internal/objectstore"
	"github.com/docket-ai/docket/internal/pipeline"
	"github.com/docket-ai/docket/internal/retrieval"
	"github.com/docket-ai/docket/internal/store/postgres"
)

type App struct {
	Store    *postgres.Store
	Provider *embed.GeminiProvider
	Worker   *pipeline.Worker
	Server   *api.Server
	logger   *slog.Logger
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	store, err := postgres.New(ctx, cfg.DatabaseURL, cfg.EmbedDim)
	if err != nil {
		return nil, err
	}
	logger.Info("database ready")

	objects, err := objectstore.NewS3Client(ctx, cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	provider, err := embed.NewGeminiProvider(ctx, cfg.AIAPIKey, cfg.EmbedModel, cfg.EmbedDim)
	if err != nil {
		store.Close()
		return nil, err
	}

	embedClient := embed.NewClient(provider, embed.ClientConfig{
		BatchSize:      cfg.EmbedBatchSize,
		MaxConcurrency: cfg.EmbedMaxConcurrency,
		RequestsPerSec: cfg.EmbedRequestsPerSec,
	}, logger)

	extractor := extract.NewDocconvExtractor(nil, logger)

	orch := pipeline.NewOrchestrator(store, pipeline.OrchestratorConfig{
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
	}, nil, logger)
	runner := pipeline.NewRunner(store, objects, extractor, embedClient, chunker.Config{
		TargetTokens:  cfg.ChunkTargetTokens,
		MaxTokens:     cfg.ChunkMaxTokens,
		OverlapTokens: cfg.ChunkOverlapTokens,
	}, logger)
	worker, err := pipeline.NewWorker(store, runner, orch, pipeline.WorkerConfig{
		Workers:      cfg.WorkerCount,
		PollInterval: cfg.PollInterval,
		SoftTimeout:  cfg.SoftTimeout,
		HardTimeout:  cfg.HardTimeout,
	}, logger)
	if err != nil {
		provider.Close()
		store.Close()
		return nil, err
	}

	retriever := retrieval.NewRetriever(store, store, store, embedClient, retrieval.Config{
		RRFConstant:         cfg.RRFConstant,
		SimilarityThreshold: cfg.SimilarityThreshold,
		OverFetchFactor:     cfg.OverFetchFactor,
	}, logger)

	server := api.NewServer(cfg,
		handlers.NewDocumentHandler(store, orch, logger),
		handlers.NewSearchHandler(retriever, logger),
		logger)

	return &App{
		Store:    store,
		Provider: provider,
		Worker:   worker,
		Server:   server,
		logger:   logger,
	}, nil
}

// Run starts the workers and the HTTP server, then blocks until ctx is
// canceled and everything has drained.
func (a *App) Run(ctx context.Context) error {
	a.Worker.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown", "error", err)
	}
	a.Worker.Stop()
	return nil
}

func (a *App) Close() {
	if a.Provider != nil {
		_ = a.Provider.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}
