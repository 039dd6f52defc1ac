package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentforge/orchestrator/internal/model"
)

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	row := taskRowFrom(t)
	if _, err := s.stmts.insertTask.ExecContext(ctx, row); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask fetches a task by id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var row taskRow
	if err := s.stmts.getTask.GetContext(ctx, &row, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toModel(), nil
}

// UpdateTask persists the full task row, bumping UpdatedAt to now.
func (s *Store) UpdateTask(ctx context.Context, t *model.Task) error {
	t.UpdatedAt = time.Now().UTC()
	row := taskRowFrom(t)
	res, err := s.stmts.updateTask.ExecContext(ctx, row)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return checkAffected(res, "task", t.ID)
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.stmts.deleteTask.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return checkAffected(res, "task", id)
}

// ListTodoTasks returns tasks in status "todo" ordered by (sort_order,
// created_at), the order the scheduler considers candidates in.
func (s *Store) ListTodoTasks(ctx context.Context) ([]*model.Task, error) {
	var rows []taskRow
	if err := s.stmts.listTodo.SelectContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list todo tasks: %w", err)
	}
	return toTaskModels(rows), nil
}

// ListInProgressTasks returns every task currently claimed by a worker,
// used by the recovery supervisor at startup and by occupancy checks.
func (s *Store) ListInProgressTasks(ctx context.Context) ([]*model.Task, error) {
	var rows []taskRow
	if err := s.stmts.listInProgress.SelectContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list in-progress tasks: %w", err)
	}
	return toTaskModels(rows), nil
}

// ListTasksByChain returns every task sharing a chain id, in creation
// order, used to evaluate chain-level dependency and retry state.
func (s *Store) ListTasksByChain(ctx context.Context, chainID string) ([]*model.Task, error) {
	var rows []taskRow
	if err := s.stmts.listByChain.SelectContext(ctx, &rows, chainID); err != nil {
		return nil, fmt.Errorf("list tasks by chain: %w", err)
	}
	return toTaskModels(rows), nil
}

// GetInProgressTaskBySession returns the in_progress task attached to
// sessionID, if any, or ErrNotFound. Used by the fan-out's reconnect
// catch-up to decide whether a session's activity is kanban-task-driven.
func (s *Store) GetInProgressTaskBySession(ctx context.Context, sessionID string) (*model.Task, error) {
	var row taskRow
	err := s.reader.GetContext(ctx, &row, `SELECT * FROM tasks WHERE session_id = ? AND status = 'in_progress' LIMIT 1`, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get in-progress task by session: %w", err)
	}
	return row.toModel(), nil
}

func toTaskModels(rows []taskRow) []*model.Task {
	out := make([]*model.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}
