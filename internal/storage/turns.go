package storage

import (
	"context"
	"fmt"
)

func (s *Store) AppendTurn(ctx context.Context, t Turn) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (id, owner, role, content, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Owner, t.Role, t.Content, t.ToolCallID, FormatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appending turn %s: %w", t.ID, err)
	}
	return nil
}

// RecentTurns returns the owner's last n turns, oldest first.
func (s *Store) RecentTurns(ctx context.Context, owner string, n int) ([]Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, role, content, tool_call_id, created_at FROM (
			SELECT seq, id, owner, role, content, tool_call_id, created_at
			FROM conversation_turns WHERE owner = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, owner, n)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Owner, &t.Role, &t.Content, &t.ToolCallID, &createdAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
