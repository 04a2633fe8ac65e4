// Package capability defines the external services the engine acts through
// (mail, calendar, CRM) and the event feed the orchestrator polls, plus an
// HTTP bridge that implements them against an integration service.
package capability

import (
	"encoding/json"
	"fmt"
	"time"
)

// Capability names, as stored in capability_links and used as retrieval sources.
const (
	NameMail     = "mail"
	NameCalendar = "calendar"
	NameCRM      = "crm"
)

// Known reports whether name is one of the supported capabilities.
func Known(name string) bool {
	switch name {
	case NameMail, NameCalendar, NameCRM:
		return true
	}
	return false
}

// Error is a failed capability call. Status is HTTP-like; Payload is the
// raw error body returned by the service.
type Error struct {
	Capability string
	Op         string
	Status     int
	Payload    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s failed (status %d): %s", e.Capability, e.Op, e.Status, e.Payload)
}

// Message is a mail message.
type Message struct {
	ID         string    `json:"id,omitempty"`
	From       string    `json:"from,omitempty"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// CalendarEvent is one calendar entry.
type CalendarEvent struct {
	ID        string    `json:"id,omitempty"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Attendees []string  `json:"attendees,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// Record is a CRM record (contact, deal, ...). Fields are free-form.
type Record struct {
	ID     string         `json:"id,omitempty"`
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields"`
}

// Event is something that happened in an external service since the last
// poll: a new mail, an accepted invite, a CRM change.
type Event struct {
	ID         string          `json:"id"`
	Capability string          `json:"capability"`
	Kind       string          `json:"kind"`
	Summary    string          `json:"summary"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}
