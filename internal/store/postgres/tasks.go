package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/docket-ai/docket/internal/core"
	"github.com/docket-ai/docket/internal/models"
)

const taskColumns = `id, document_id, stage, status, retry_count, last_error, scheduled_at, started_at, completed_at`

// uniqueViolation is the Postgres error code raised by the partial unique
// index when a live task for the same (document, stage) already exists.
const uniqueViolation = "23505"

func (s *Store) CreateTask(ctx context.Context, task *models.ProcessingTask) error {
	if task == nil {
		return errors.New("nil task")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	var scheduledAt any
	if !task.ScheduledAt.IsZero() {
		scheduledAt = task.ScheduledAt
	}
	const q = `
		INSERT INTO processing_tasks
			(id, document_id, stage, status, retry_count, last_error, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::timestamptz, now()))
	`
	_, err := s.db.ExecContext(ctx, q,
		task.ID, task.DocumentID, task.Stage, task.Status,
		task.RetryCount, task.LastError, scheduledAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return core.ErrTaskExists
	}
	return err
}

// ClaimNextTask flips the oldest eligible pending task to running in one
// statement. FOR UPDATE SKIP LOCKED makes concurrent claims race-free: each
// worker locks a distinct candidate row or none at all.
func (s *Store) ClaimNextTask(ctx context.Context, stage models.Stage) (*models.ProcessingTask, error) {
	const q = `
		UPDATE processing_tasks
		SET status = 'running', started_at = now()
		WHERE id = (
			SELECT id FROM processing_tasks
			WHERE status = 'pending'
			  AND scheduled_at <= now()
			  AND ($1 = '' OR stage = $1)
			ORDER BY scheduled_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + taskColumns
	task, err := scanTask(s.db.QueryRowContext(ctx, q, string(stage)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID string) error {
	const q = `
		UPDATE processing_tasks
		SET status = 'succeeded', completed_at = now()
		WHERE id = $1 AND status = 'running'
	`
	return s.execOne(ctx, q, taskID)
}

func (s *Store) FailTask(ctx context.Context, taskID, lastError string) error {
	const q = `
		UPDATE processing_tasks
		SET status = 'failed', last_error = $2, completed_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')
	`
	return s.execOne(ctx, q, taskID, lastError)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*models.ProcessingTask, error) {
	const q = `SELECT ` + taskColumns + ` FROM processing_tasks WHERE id = $1`
	task, err := scanTask(s.db.QueryRowContext(ctx, q, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return task, err
}

func (s *Store) ListTasks(ctx context.Context, documentID string) ([]models.ProcessingTask, error) {
	const q = `
		SELECT ` + taskColumns + `
		FROM processing_tasks
		WHERE document_id = $1
		ORDER BY scheduled_at, id
	`
	rows, err := s.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProcessingTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

func (s *Store) HasNonTerminalTask(ctx context.Context, documentID string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM processing_tasks
			WHERE document_id = $1 AND status IN ('pending', 'running')
		)
	`
	var exists bool
	err := s.db.QueryRowContext(ctx, q, documentID).Scan(&exists)
	return exists, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.ProcessingTask, error) {
	var (
		t         models.ProcessingTask
		lastError sql.NullString
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.DocumentID, &t.Stage, &t.Status, &t.RetryCount,
		&lastError, &t.ScheduledAt, &started, &completed,
	)
	if err != nil {
		return nil, err
	}
	t.LastError = lastError.String
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return &t, nil
}
