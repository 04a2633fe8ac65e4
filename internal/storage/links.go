package storage

import (
	"context"
	"fmt"
	"time"
)

// LinkCapability records (or refreshes) an owner's link to a capability.
func (s *Store) LinkCapability(ctx context.Context, l CapabilityLink) error {
	if l.LinkedAt.IsZero() {
		l.LinkedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_links (owner, capability, linked_at) VALUES (?, ?, ?)
		ON CONFLICT(owner, capability) DO UPDATE SET linked_at = excluded.linked_at`,
		l.Owner, l.Capability, FormatTime(l.LinkedAt),
	)
	if err != nil {
		return fmt.Errorf("linking %s for %s: %w", l.Capability, l.Owner, err)
	}
	return nil
}

func (s *Store) UnlinkCapability(ctx context.Context, owner, capability string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM capability_links WHERE owner = ? AND capability = ?`, owner, capability)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkedOwners returns every owner with at least one capability link, sorted.
func (s *Store) LinkedOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner FROM capability_links ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("querying linked owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

func (s *Store) ListLinks(ctx context.Context, owner string) ([]CapabilityLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner, capability, linked_at FROM capability_links
		WHERE owner = ? ORDER BY capability`, owner)
	if err != nil {
		return nil, fmt.Errorf("querying links: %w", err)
	}
	defer rows.Close()

	var links []CapabilityLink
	for rows.Next() {
		var l CapabilityLink
		var linkedAt string
		if err := rows.Scan(&l.Owner, &l.Capability, &linkedAt); err != nil {
			return nil, err
		}
		if l.LinkedAt, err = ParseTime(linkedAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (s *Store) RecordEvent(ctx context.Context, e CapabilityEvent) error {
	if e.PayloadJSON == "" {
		e.PayloadJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_events (id, owner, capability, kind, summary, payload_json, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Owner, e.Capability, e.Kind, e.Summary, e.PayloadJSON, FormatTime(e.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("recording event %s: %w", e.ID, err)
	}
	return nil
}

// EventsSince returns the owner's events that occurred at or after since, oldest first.
func (s *Store) EventsSince(ctx context.Context, owner string, since time.Time) ([]CapabilityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, capability, kind, summary, payload_json, occurred_at
		FROM capability_events WHERE owner = ? AND occurred_at >= ?
		ORDER BY occurred_at ASC`, owner, FormatTime(since))
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []CapabilityEvent
	for rows.Next() {
		var e CapabilityEvent
		var occurredAt string
		if err := rows.Scan(&e.ID, &e.Owner, &e.Capability, &e.Kind, &e.Summary, &e.PayloadJSON, &occurredAt); err != nil {
			return nil, err
		}
		if e.OccurredAt, err = ParseTime(occurredAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
