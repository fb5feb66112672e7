package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is a queued unit of background work. Delivery is at-least-once: a task stays in
// the queue until it is completed or dropped.
type Task struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	UserID    string `db:"user_id"`
	Payload   string `db:"payload"`
	Attempts  int    `db:"attempts"`
	LastError string `db:"last_error"`
	NextRunAt int64  `db:"next_run_at"`
	CreatedAt int64  `db:"created_at"`
}

// Decode unmarshals the task payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal([]byte(t.Payload), v); err != nil {
		return fmt.Errorf("decode %s task %s: %w", t.Kind, t.ID, err)
	}
	return nil
}

// EnqueueTask queues payload for immediate processing and returns the task id.
func (s *Store) EnqueueTask(ctx context.Context, kind, userID string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s task: %w", kind, err)
	}
	id := uuid.NewString()
	now := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO background_tasks (id, kind, user_id, payload, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, kind, userID, string(data), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue %s task: %w", kind, err)
	}
	return id, nil
}

// DueTasks returns up to limit tasks whose next run time has passed, oldest first.
func (s *Store) DueTasks(ctx context.Context, limit int) ([]Task, error) {
	var tasks []Task
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT id, kind, user_id, payload, attempts, last_error, next_run_at, created_at
		FROM background_tasks
		WHERE next_run_at <= ?
		ORDER BY next_run_at ASC, created_at ASC
		LIMIT ?
	`, s.now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("load due tasks: %w", err)
	}
	return tasks, nil
}

// CompleteTask removes a finished task.
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	return s.deleteTask(ctx, id, "complete")
}

// DropTask removes a task that will never succeed.
func (s *Store) DropTask(ctx context.Context, id string) error {
	return s.deleteTask(ctx, id, "drop")
}

func (s *Store) deleteTask(ctx context.Context, id, verb string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM background_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%s task %s: %w", verb, id, err)
	}
	return requireRow(res, fmt.Sprintf("%s task %s", verb, id))
}

// RetryTask records a failed attempt and schedules the next one after delay.
func (s *Store) RetryTask(ctx context.Context, id string, delay time.Duration, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_tasks
		SET attempts = attempts + 1, last_error = ?, next_run_at = ?
		WHERE id = ?
	`, msg, s.now().Add(delay).UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("retry task %s: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("retry task %s", id))
}

// PurgeStaleTasks deletes tasks created before cutoff and tasks that have used up
// maxAttempts.
func (s *Store) PurgeStaleTasks(ctx context.Context, cutoff time.Time, maxAttempts int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM background_tasks WHERE created_at < ? OR attempts >= ?
	`, cutoff.UnixMilli(), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return n, nil
}

// PendingTasks counts queued tasks.
func (s *Store) PendingTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM background_tasks`); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func requireRow(res rowsAffecter, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
