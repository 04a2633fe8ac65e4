package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/attache/internal/capability"
)

// Capability tool names.
const (
	SearchMail          = "search_mail"
	GetMail             = "get_mail"
	SendMail            = "send_mail"
	ListCalendarEvents  = "list_calendar_events"
	CreateCalendarEvent = "create_calendar_event"
	SearchCRM           = "search_crm"
	CreateCRMRecord     = "create_crm_record"
	UpdateCRMRecord     = "update_crm_record"
)

func notConfigured(name string) error {
	return fmt.Errorf("%s is not configured for this assistant", name)
}

type searchMailArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50"`
}

type getMailArgs struct {
	MessageID string `json:"message_id"`
}

type sendMailArgs struct {
	To      []string `json:"to" jsonschema:"minItems=1"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

type listEventsArgs struct {
	From string `json:"from" jsonschema_description:"RFC 3339 start of the range"`
	To   string `json:"to" jsonschema_description:"RFC 3339 end of the range"`
}

type createEventArgs struct {
	Title     string   `json:"title"`
	Start     string   `json:"start" jsonschema_description:"RFC 3339 start time"`
	End       string   `json:"end" jsonschema_description:"RFC 3339 end time"`
	Attendees []string `json:"attendees,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

type searchCRMArgs struct {
	Query string `json:"query"`
}

type createRecordArgs struct {
	Kind   string         `json:"kind" jsonschema_description:"Record type, e.g. contact or deal"`
	Fields map[string]any `json:"fields"`
}

type updateRecordArgs struct {
	RecordID string         `json:"record_id"`
	Fields   map[string]any `json:"fields"`
}

// CapabilityTools returns the mail, calendar and CRM tools. Tools for a
// capability missing from caps report it as not configured.
func CapabilityTools(caps capability.Set) []*Tool {
	return []*Tool{
		New(SearchMail, "Search the user's mailbox.",
			func(ctx context.Context, owner string, a searchMailArgs) (any, error) {
				if caps.Mail == nil {
					return nil, notConfigured(capability.NameMail)
				}
				return caps.Mail.Search(ctx, owner, a.Query, a.Limit)
			}),
		New(GetMail, "Read one mail message by id.",
			func(ctx context.Context, owner string, a getMailArgs) (any, error) {
				if caps.Mail == nil {
					return nil, notConfigured(capability.NameMail)
				}
				return caps.Mail.Get(ctx, owner, a.MessageID)
			}),
		New(SendMail, "Send a mail message from the user's account.",
			func(ctx context.Context, owner string, a sendMailArgs) (any, error) {
				if caps.Mail == nil {
					return nil, notConfigured(capability.NameMail)
				}
				return caps.Mail.Send(ctx, owner, capability.Message{To: a.To, Subject: a.Subject, Body: a.Body})
			}),
		New(ListCalendarEvents, "List calendar events in a time range.",
			func(ctx context.Context, owner string, a listEventsArgs) (any, error) {
				if caps.Calendar == nil {
					return nil, notConfigured(capability.NameCalendar)
				}
				from, to, err := parseRange(a.From, a.To)
				if err != nil {
					return nil, err
				}
				return caps.Calendar.List(ctx, owner, from, to)
			}),
		New(CreateCalendarEvent, "Create a calendar event and invite attendees.",
			func(ctx context.Context, owner string, a createEventArgs) (any, error) {
				if caps.Calendar == nil {
					return nil, notConfigured(capability.NameCalendar)
				}
				start, end, err := parseRange(a.Start, a.End)
				if err != nil {
					return nil, err
				}
				return caps.Calendar.Create(ctx, owner, capability.CalendarEvent{
					Title: a.Title, Start: start, End: end, Attendees: a.Attendees, Notes: a.Notes,
				})
			}),
		New(SearchCRM, "Search CRM records.",
			func(ctx context.Context, owner string, a searchCRMArgs) (any, error) {
				if caps.CRM == nil {
					return nil, notConfigured(capability.NameCRM)
				}
				return caps.CRM.Search(ctx, owner, a.Query)
			}),
		New(CreateCRMRecord, "Create a CRM record.",
			func(ctx context.Context, owner string, a createRecordArgs) (any, error) {
				if caps.CRM == nil {
					return nil, notConfigured(capability.NameCRM)
				}
				return caps.CRM.Create(ctx, owner, capability.Record{Kind: a.Kind, Fields: a.Fields})
			}),
		New(UpdateCRMRecord, "Update fields on a CRM record.",
			func(ctx context.Context, owner string, a updateRecordArgs) (any, error) {
				if caps.CRM == nil {
					return nil, notConfigured(capability.NameCRM)
				}
				return caps.CRM.Update(ctx, owner, a.RecordID, a.Fields)
			}),
	}
}

// CapabilityNames lists the tools CapabilityTools returns.
var CapabilityNames = []string{
	SearchMail, GetMail, SendMail,
	ListCalendarEvents, CreateCalendarEvent,
	SearchCRM, CreateCRMRecord, UpdateCRMRecord,
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time %q: %w", from, err)
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time %q: %w", to, err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is before start %s", to, from)
	}
	return start, end, nil
}
