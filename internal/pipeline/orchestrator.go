// Package pipeline drives documents through the extract, chunk, and embed
// stages. Work is queued as ProcessingTasks in the store; workers claim
// tasks atomically, so any number of instances can share one queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docket-ai/docket/internal/core"
	"github.com/docket-ai/docket/internal/models"
)

// OrchestratorConfig bounds the retry policy.
type OrchestratorConfig struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// DefaultOrchestratorConfig matches the operational defaults: three retries
// with delays of 1, 2, and 4 times the base.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{MaxRetries: 3, RetryBaseDelay: time.Minute}
}

func (c OrchestratorConfig) normalized() OrchestratorConfig {
	d := DefaultOrchestratorConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	return c
}

// Orchestrator owns stage transitions: enqueueing, advancing, retrying,
// and terminal failure. Stage bodies never touch task state directly.
type Orchestrator struct {
	store  core.Store
	cfg    OrchestratorConfig
	clock  core.Clock
	logger *slog.Logger
}

func NewOrchestrator(store core.Store, cfg OrchestratorConfig, clock core.Clock, logger *slog.Logger) *Orchestrator {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: store, cfg: cfg.normalized(), clock: clock, logger: logger}
}

// Enqueue schedules a document for ingestion from the first stage. Safe to
// call repeatedly: a live extract task makes this a no-op.
func (o *Orchestrator) Enqueue(ctx context.Context, documentID string) error {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.DeleteRequested {
		return core.ErrDocumentDeleted
	}
	err = o.store.CreateTask(ctx, &models.ProcessingTask{
		DocumentID: documentID,
		Stage:      models.StageExtract,
	})
	if errors.Is(err, core.ErrTaskExists) {
		return nil
	}
	return err
}

// Complete records a successful stage run, advances the document status,
// and enqueues the next stage. A pending delete request wins over further
// processing: the document is removed instead of advanced.
func (o *Orchestrator) Complete(ctx context.Context, task *models.ProcessingTask) error {
	if err := o.store.CompleteTask(ctx, task.ID); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}

	doc, err := o.store.GetDocument(ctx, task.DocumentID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil // deleted while the stage ran
		}
		return err
	}
	if doc.DeleteRequested {
		o.logger.Info("honoring deferred delete", "document_id", doc.ID)
		return o.store.DeleteDocument(ctx, doc.ID)
	}

	if err := o.store.UpdateDocumentStatus(ctx, doc.ID, task.Stage.DoneStatus()); err != nil {
		return err
	}

	next := task.Stage.Next()
	if next == "" {
		o.logger.Info("document fully ingested", "document_id", doc.ID, "chunks", doc.ChunkCount)
		return nil
	}
	err = o.store.CreateTask(ctx, &models.ProcessingTask{
		DocumentID: doc.ID,
		Stage:      next,
	})
	if errors.Is(err, core.ErrTaskExists) {
		return nil
	}
	return err
}

// Fail records a failed stage run. Transient failures within the retry
// budget re-enqueue the same stage with exponential backoff; permanent
// failures and exhausted budgets fail the document with a reason code.
// A pending delete request wins here too: the document is removed instead
// of being retried or marked failed.
func (o *Orchestrator) Fail(ctx context.Context, task *models.ProcessingTask, stageErr error) error {
	if err := o.store.FailTask(ctx, task.ID, stageErr.Error()); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}

	doc, err := o.store.GetDocument(ctx, task.DocumentID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil // deleted while the stage ran
		}
		return err
	}
	if doc.DeleteRequested {
		o.logger.Info("honoring deferred delete", "document_id", doc.ID)
		return o.store.DeleteDocument(ctx, doc.ID)
	}

	retryable := !core.IsPermanent(stageErr) && task.RetryCount < o.cfg.MaxRetries
	if !retryable {
		reason := core.ReasonOf(stageErr)
		o.logger.Error("document failed",
			"document_id", task.DocumentID, "stage", task.Stage,
			"reason", reason, "retries", task.RetryCount, "error", stageErr)
		return o.store.FailDocument(ctx, task.DocumentID, reason, stageErr.Error())
	}

	delay := o.cfg.RetryBaseDelay << task.RetryCount
	o.logger.Warn("stage failed, retrying",
		"document_id", task.DocumentID, "stage", task.Stage,
		"attempt", task.RetryCount+1, "delay", delay, "error", stageErr)
	err = o.store.CreateTask(ctx, &models.ProcessingTask{
		DocumentID:  task.DocumentID,
		Stage:       task.Stage,
		RetryCount:  task.RetryCount + 1,
		LastError:   stageErr.Error(),
		ScheduledAt: o.clock.Now().Add(delay),
	})
	if errors.Is(err, core.ErrTaskExists) {
		return nil
	}
	return err
}

// Reprocess purges the document's chunks and runs it through the pipeline
// again. When the cached extraction is still present the document re-enters
// at the chunking stage, skipping a pointless second extraction.
func (o *Orchestrator) Reprocess(ctx context.Context, documentID string) error {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.DeleteRequested {
		return core.ErrDocumentDeleted
	}
	busy, err := o.store.HasNonTerminalTask(ctx, documentID)
	if err != nil {
		return err
	}
	if busy {
		return core.ErrTaskExists
	}

	if err := o.store.ReplaceChunks(ctx, documentID, nil); err != nil {
		return fmt.Errorf("purge chunks: %w", err)
	}

	stage := models.StageExtract
	status := models.StatusPending
	if _, err := o.store.GetDocumentText(ctx, documentID); err == nil {
		stage = models.StageChunk
		status = models.StatusExtracted
	}
	if err := o.store.UpdateDocumentStatus(ctx, documentID, status); err != nil {
		return err
	}
	return o.store.CreateTask(ctx, &models.ProcessingTask{
		DocumentID: documentID,
		Stage:      stage,
	})
}

// Delete removes the document immediately when the pipeline is idle for it;
// otherwise it marks the document so the worker finishes its current stage
// and then deletes instead of advancing.
func (o *Orchestrator) Delete(ctx context.Context, documentID string) error {
	busy, err := o.store.HasNonTerminalTask(ctx, documentID)
	if err != nil {
		return err
	}
	if busy {
		return o.store.RequestDelete(ctx, documentID)
	}
	return o.store.DeleteDocument(ctx, documentID)
}
