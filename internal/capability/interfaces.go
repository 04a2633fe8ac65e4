package capability

import (
	"context"
	"time"
)

type Mail interface {
	Search(ctx context.Context, owner, query string, limit int) ([]Message, error)
	Get(ctx context.Context, owner, id string) (Message, error)
	Send(ctx context.Context, owner string, msg Message) (Message, error)
}

type Calendar interface {
	List(ctx context.Context, owner string, from, to time.Time) ([]CalendarEvent, error)
	Create(ctx context.Context, owner string, ev CalendarEvent) (CalendarEvent, error)
}

type CRM interface {
	Search(ctx context.Context, owner, query string) ([]Record, error)
	Create(ctx context.Context, owner string, rec Record) (Record, error)
	Update(ctx context.Context, owner, id string, fields map[string]any) (Record, error)
}

// Events returns an owner's external events that occurred at or after since,
// oldest first.
type Events interface {
	Since(ctx context.Context, owner string, since time.Time) ([]Event, error)
}

// Set groups the capabilities available to tools. Nil members are not
// configured; tools calling them return an error result.
type Set struct {
	Mail     Mail
	Calendar Calendar
	CRM      CRM
	Events   Events
}
