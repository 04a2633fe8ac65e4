package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const taskColumns = `id, owner, description, status, context_json, version, created_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, t Task) error {
	if t.ContextJSON == "" {
		t.ContextJSON = "{}"
	}
	if t.Version == 0 {
		t.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Owner, t.Description, t.Status, t.ContextJSON, t.Version,
		FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns the owner's task. A task owned by someone else is reported
// as ErrNotFound.
func (s *Store) GetTask(ctx context.Context, owner, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner = ? AND id = ?`, owner, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

// ListTasks returns the owner's tasks in any of the given statuses, oldest
// first. An empty statuses slice matches every status.
func (s *Store) ListTasks(ctx context.Context, owner string, statuses []string, limit int) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE owner = ?`
	args := []any{owner}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask writes status and context for t if the stored version still
// equals t.Version, bumping the version by one. A lost race yields
// ErrVersionConflict; a missing row yields ErrNotFound.
func (s *Store) UpdateTask(ctx context.Context, t Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, context_json = ?, version = version + 1, updated_at = ?
		WHERE owner = ? AND id = ? AND version = ?`,
		t.Status, t.ContextJSON, FormatTime(t.UpdatedAt), t.Owner, t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE owner = ? AND id = ?`, t.Owner, t.ID).Scan(&exists); err != nil {
		return fmt.Errorf("checking task %s: %w", t.ID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrVersionConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var t Task
	var createdAt, updatedAt string
	if err := r.Scan(&t.ID, &t.Owner, &t.Description, &t.Status, &t.ContextJSON, &t.Version, &createdAt, &updatedAt); err != nil {
		return Task{}, err
	}
	var err error
	if t.CreatedAt, err = ParseTime(createdAt); err != nil {
		return Task{}, err
	}
	if t.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return Task{}, err
	}
	return t, nil
}
