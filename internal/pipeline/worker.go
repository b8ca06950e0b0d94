package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/docket-ai/docket/internal/core"
	"github.com/docket-ai/docket/internal/models"
)

// WorkerConfig tunes the claim loop.
type WorkerConfig struct {
	Workers      int
	PollInterval time.Duration
	// SoftTimeout cancels the stage context; the stage is expected to
	// return promptly and the failure retries as a timeout. HardTimeout is
	// the upper bound after which the worker abandons a stage that ignored
	// cancellation.
	SoftTimeout time.Duration
	HardTimeout time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:      4,
		PollInterval: 2 * time.Second,
		SoftTimeout:  25 * time.Minute,
		HardTimeout:  30 * time.Minute,
	}
}

func (c WorkerConfig) normalized() WorkerConfig {
	d := DefaultWorkerConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = d.SoftTimeout
	}
	if c.HardTimeout <= c.SoftTimeout {
		c.HardTimeout = c.SoftTimeout + 5*time.Minute
	}
	return c
}

// Worker polls the task queue and executes claimed tasks on a bounded pool.
// Claiming is atomic in the store, so running several Workers (or several
// processes) never double-executes a task.
type Worker struct {
	tasks  core.TaskStore
	runner *Runner
	orch   *Orchestrator
	cfg    WorkerConfig
	pool   *ants.Pool
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewWorker(tasks core.TaskStore, runner *Runner, orch *Orchestrator, cfg WorkerConfig, logger *slog.Logger) (*Worker, error) {
	cfg = cfg.normalized()
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, err
	}
	return &Worker{
		tasks:  tasks,
		runner: runner,
		orch:   orch,
		cfg:    cfg,
		pool:   pool,
		logger: logger,
	}, nil
}

// Start runs the claim loop until ctx is canceled. It claims as long as
// pool capacity is free, then sleeps for the poll interval.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.drainQueue(ctx)
			}
		}
	}()
}

// Stop waits for the claim loop to exit and for in-flight tasks to finish.
func (w *Worker) Stop() {
	w.wg.Wait()
	w.pool.Release()
}

func (w *Worker) drainQueue(ctx context.Context) {
	for w.pool.Free() > 0 {
		task, err := w.tasks.ClaimNextTask(ctx, "")
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("claim failed", "error", err)
			}
			return
		}
		if task == nil {
			return
		}
		w.wg.Add(1)
		if err := w.pool.Submit(func() {
			defer w.wg.Done()
			w.execute(ctx, task)
		}); err != nil {
			w.wg.Done()
			w.logger.Error("submit task", "task_id", task.ID, "error", err)
			return
		}
	}
}

// execute runs one task under the soft timeout and settles its outcome
// through the orchestrator. Settlement uses a fresh context so a canceled
// worker still records what happened.
func (w *Worker) execute(ctx context.Context, task *models.ProcessingTask) {
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.SoftTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- w.runner.Run(runCtx, task)
	}()

	var runErr error
	select {
	case runErr = <-done:
		if runErr != nil && runCtx.Err() != nil && ctx.Err() == nil {
			runErr = core.Transient(core.ReasonTimeout, runErr)
		}
	case <-time.After(w.cfg.HardTimeout):
		// The stage ignored cancellation; abandon it and let a retry take
		// over. The goroutine leaks until the stage body returns.
		runErr = core.Transient(core.ReasonTimeout, context.DeadlineExceeded)
		w.logger.Error("stage exceeded hard timeout, abandoning",
			"task_id", task.ID, "stage", task.Stage, "document_id", task.DocumentID)
	}

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer settleCancel()

	if runErr != nil {
		if err := w.orch.Fail(settleCtx, task, runErr); err != nil {
			w.logger.Error("record failure", "task_id", task.ID, "error", err)
		}
		return
	}
	if err := w.orch.Complete(settleCtx, task); err != nil {
		w.logger.Error("record completion", "task_id", task.ID, "error", err)
	}
}
