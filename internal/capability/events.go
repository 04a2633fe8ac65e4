package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/attache/internal/storage"
)

// EventLog is the subset of storage.Store used for locally recorded events.
type EventLog interface {
	RecordEvent(ctx context.Context, e storage.CapabilityEvent) error
	EventsSince(ctx context.Context, owner string, since time.Time) ([]storage.CapabilityEvent, error)
}

// StoredEvents serves Events from the capability_events table. Integrations
// without a bridge push events in through Record (POST /v1/events/inbound).
type StoredEvents struct {
	log EventLog
}

func NewStoredEvents(log EventLog) *StoredEvents {
	return &StoredEvents{log: log}
}

// Record stores e for owner, assigning an id and timestamp when missing.
func (s *StoredEvents) Record(ctx context.Context, owner string, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.Capability == "" || e.Kind == "" {
		return Event{}, fmt.Errorf("event capability and kind are required")
	}
	payload := "{}"
	if len(e.Payload) > 0 {
		if !json.Valid(e.Payload) {
			return Event{}, fmt.Errorf("event payload is not valid JSON")
		}
		payload = string(e.Payload)
	}
	err := s.log.RecordEvent(ctx, storage.CapabilityEvent{
		ID:          e.ID,
		Owner:       owner,
		Capability:  e.Capability,
		Kind:        e.Kind,
		Summary:     e.Summary,
		PayloadJSON: payload,
		OccurredAt:  e.OccurredAt,
	})
	if err != nil {
		return Event{}, err
	}
	return e, nil
}

// Since implements Events.
func (s *StoredEvents) Since(ctx context.Context, owner string, since time.Time) ([]Event, error) {
	rows, err := s.log.EventsSince(ctx, owner, since)
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(rows))
	for i, r := range rows {
		out[i] = Event{
			ID:         r.ID,
			Capability: r.Capability,
			Kind:       r.Kind,
			Summary:    r.Summary,
			Payload:    json.RawMessage(r.PayloadJSON),
			OccurredAt: r.OccurredAt,
		}
	}
	return out, nil
}

// MergedEvents concatenates several feeds, ordered by occurrence time.
type MergedEvents []Events

func (m MergedEvents) Since(ctx context.Context, owner string, since time.Time) ([]Event, error) {
	var all []Event
	for _, feed := range m {
		evs, err := feed.Since(ctx, owner, since)
		if err != nil {
			return nil, err
		}
		all = append(all, evs...)
	}
	sortEvents(all)
	return all, nil
}

func sortEvents(evs []Event) {
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].OccurredAt.Before(evs[j].OccurredAt) })
}
