package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) CreateInstruction(ctx context.Context, in Instruction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instructions (id, owner, description, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		in.ID, in.Owner, in.Description, boolToInt(in.Active),
		FormatTime(in.CreatedAt), FormatTime(in.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting instruction %s: %w", in.ID, err)
	}
	return nil
}

func (s *Store) GetInstruction(ctx context.Context, owner, id string) (Instruction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, description, active, created_at, updated_at
		FROM instructions WHERE owner = ? AND id = ?`, owner, id)
	in, err := scanInstruction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Instruction{}, ErrNotFound
	}
	return in, err
}

// ListInstructions returns the owner's instructions, oldest first.
func (s *Store) ListInstructions(ctx context.Context, owner string, activeOnly bool) ([]Instruction, error) {
	query := `SELECT id, owner, description, active, created_at, updated_at FROM instructions WHERE owner = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("querying instructions: %w", err)
	}
	defer rows.Close()

	var out []Instruction
	for rows.Next() {
		in, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// UpdateInstruction edits the description and/or active flag. Nil fields are left unchanged.
func (s *Store) UpdateInstruction(ctx context.Context, owner, id string, description *string, active *bool) (Instruction, error) {
	in, err := s.GetInstruction(ctx, owner, id)
	if err != nil {
		return Instruction{}, err
	}
	if description != nil {
		in.Description = *description
	}
	if active != nil {
		in.Active = *active
	}
	in.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE instructions SET description = ?, active = ?, updated_at = ?
		WHERE owner = ? AND id = ?`,
		in.Description, boolToInt(in.Active), FormatTime(in.UpdatedAt), owner, id,
	)
	if err != nil {
		return Instruction{}, fmt.Errorf("updating instruction %s: %w", id, err)
	}
	return in, nil
}

func scanInstruction(r rowScanner) (Instruction, error) {
	var in Instruction
	var active int
	var createdAt, updatedAt string
	if err := r.Scan(&in.ID, &in.Owner, &in.Description, &active, &createdAt, &updatedAt); err != nil {
		return Instruction{}, err
	}
	in.Active = active != 0
	var err error
	if in.CreatedAt, err = ParseTime(createdAt); err != nil {
		return Instruction{}, err
	}
	if in.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return Instruction{}, err
	}
	return in, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
