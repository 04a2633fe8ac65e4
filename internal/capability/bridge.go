package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBridgeTimeout = 30 * time.Second

// Bridge implements Mail, Calendar, CRM and Events against an integration
// service that holds the owners' OAuth grants.
type Bridge struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewBridge returns a bridge for baseURL. token, when set, is sent as a
// bearer token on every call.
func NewBridge(baseURL, token string) *Bridge {
	return &Bridge{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultBridgeTimeout},
	}
}

// Set returns all capabilities backed by b.
func (b *Bridge) Set() Set {
	return Set{
		Mail:     bridgeMail{b},
		Calendar: bridgeCalendar{b},
		CRM:      bridgeCRM{b},
		Events:   b,
	}
}

func (b *Bridge) ownerPath(owner, rest string) string {
	return "/v1/owners/" + url.PathEscape(owner) + rest
}

// call performs one request and decodes a 2xx JSON body into out. Non-2xx
// responses become *Error carrying the body.
func (b *Bridge) call(ctx context.Context, capName, op, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling %s %s request: %w", capName, op, err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return &Error{Capability: capName, Op: op, Status: 0, Payload: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Capability: capName, Op: op, Status: resp.StatusCode, Payload: strings.TrimSpace(string(payload))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", capName, op, err)
	}
	return nil
}

// Since implements Events.
func (b *Bridge) Since(ctx context.Context, owner string, since time.Time) ([]Event, error) {
	q := url.Values{"since": {since.UTC().Format(time.RFC3339Nano)}}
	var resp struct {
		Events []Event `json:"events"`
	}
	if err := b.call(ctx, "events", "since", http.MethodGet, b.ownerPath(owner, "/events?"+q.Encode()), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

type bridgeMail struct{ b *Bridge }

func (m bridgeMail) Search(ctx context.Context, owner, query string, limit int) ([]Message, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Messages []Message `json:"messages"`
	}
	err := m.b.call(ctx, NameMail, "search", http.MethodGet, m.b.ownerPath(owner, "/mail/messages?"+q.Encode()), nil, &resp)
	return resp.Messages, err
}

func (m bridgeMail) Get(ctx context.Context, owner, id string) (Message, error) {
	var msg Message
	err := m.b.call(ctx, NameMail, "get", http.MethodGet, m.b.ownerPath(owner, "/mail/messages/"+url.PathEscape(id)), nil, &msg)
	return msg, err
}

func (m bridgeMail) Send(ctx context.Context, owner string, msg Message) (Message, error) {
	var sent Message
	err := m.b.call(ctx, NameMail, "send", http.MethodPost, m.b.ownerPath(owner, "/mail/messages"), msg, &sent)
	return sent, err
}

type bridgeCalendar struct{ b *Bridge }

func (c bridgeCalendar) List(ctx context.Context, owner string, from, to time.Time) ([]CalendarEvent, error) {
	q := url.Values{
		"from": {from.UTC().Format(time.RFC3339)},
		"to":   {to.UTC().Format(time.RFC3339)},
	}
	var resp struct {
		Events []CalendarEvent `json:"events"`
	}
	err := c.b.call(ctx, NameCalendar, "list", http.MethodGet, c.b.ownerPath(owner, "/calendar/events?"+q.Encode()), nil, &resp)
	return resp.Events, err
}

func (c bridgeCalendar) Create(ctx context.Context, owner string, ev CalendarEvent) (CalendarEvent, error) {
	var created CalendarEvent
	err := c.b.call(ctx, NameCalendar, "create", http.MethodPost, c.b.ownerPath(owner, "/calendar/events"), ev, &created)
	return created, err
}

type bridgeCRM struct{ b *Bridge }

func (c bridgeCRM) Search(ctx context.Context, owner, query string) ([]Record, error) {
	var resp struct {
		Records []Record `json:"records"`
	}
	err := c.b.call(ctx, NameCRM, "search", http.MethodGet, c.b.ownerPath(owner, "/crm/records?"+url.Values{"q": {query}}.Encode()), nil, &resp)
	return resp.Records, err
}

func (c bridgeCRM) Create(ctx context.Context, owner string, rec Record) (Record, error) {
	var created Record
	err := c.b.call(ctx, NameCRM, "create", http.MethodPost, c.b.ownerPath(owner, "/crm/records"), rec, &created)
	return created, err
}

func (c bridgeCRM) Update(ctx context.Context, owner, id string, fields map[string]any) (Record, error) {
	var updated Record
	body := map[string]any{"fields": fields}
	err := c.b.call(ctx, NameCRM, "update", http.MethodPatch, c.b.ownerPath(owner, "/crm/records/"+url.PathEscape(id)), body, &updated)
	return updated, err
}
