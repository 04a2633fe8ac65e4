package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/attache/internal/api"
	"github.com/kalambet/attache/internal/config"
	"github.com/kalambet/attache/internal/ingest"
	"github.com/kalambet/attache/internal/notify"
	"github.com/kalambet/attache/internal/task"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
	Owner  string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
			Owner:  r.Header.Get(api.OwnerHeader),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusCreated)
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		owner:      "alice",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestIngestCommand_Text(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/ingest": `{"id":"job-123","status":"queued"}`,
	})

	req, err := buildIngestRequest("hello world", "", "", "notes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := ts.client().post(ctx, "/v1/ingest", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["id"] != "job-123" {
		t.Errorf("id = %q, want job-123", result["id"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/v1/ingest" {
		t.Errorf("request = %s %s, want POST /v1/ingest", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body ingest.Request
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if diff := cmp.Diff(ingest.Request{Source: "notes", Text: "hello world"}, body); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildIngestRequest_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agenda.html")
	if err := os.WriteFile(path, []byte("<p>offsite</p>"), 0o644); err != nil {
		t.Fatal(err)
	}

	req, err := buildIngestRequest("", "", path, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(req.Data) != "<p>offsite</p>" {
		t.Errorf("data = %q", req.Data)
	}
	if !strings.HasPrefix(req.ContentType, "text/html") {
		t.Errorf("content type = %q, want text/html", req.ContentType)
	}
	if req.Source != "agenda.html" {
		t.Errorf("source = %q, want the file name", req.Source)
	}
}

func TestBuildIngestRequest_Exclusive(t *testing.T) {
	if _, err := buildIngestRequest("text", "https://example.com", "", ""); err == nil {
		t.Fatal("expected error when both --text and --url are set")
	}
}

func TestIngestCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestRecallCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/recall": `[{"id":"c1","content":"Jane's kid plays baseball","source":"mail","similarity":0.91}]`,
	})

	resp, err := ts.client().post(ctx, "/v1/recall", map[string]any{"query": "baseball", "k": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var hits []struct {
		Content    string  `json:"content"`
		Similarity float32 `json:"similarity"`
	}
	if err := decodeJSON(resp, &hits); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(hits) != 1 || hits[0].Similarity < 0.9 {
		t.Fatalf("hits = %+v", hits)
	}

	var sent map[string]any
	json.Unmarshal([]byte(ts.requests[0].Body), &sent)
	if sent["query"] != "baseball" || sent["k"] != float64(3) {
		t.Errorf("body = %v", sent)
	}
}

func TestOwnerHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/tasks": `[]`,
	})

	c := ts.client()
	c.owner = "bob"
	resp, err := c.get(ctx, "/v1/tasks?status=waiting")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if got := ts.requests[0].Owner; got != "bob" {
		t.Errorf("owner header = %q, want bob", got)
	}
	if got := ts.requests[0].Path; got != "/v1/tasks?status=waiting" {
		t.Errorf("path = %q", got)
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	resp, err := ts.client().get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"message":"version conflict","type":"conflict"}}`))
	}))
	defer ts.Close()

	c := &apiClient{baseURL: ts.URL, token: "t", owner: "alice", httpClient: ts.Client()}
	resp, err := c.patch(ctx, "/v1/tasks/x", map[string]any{"status": "completed"})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	if err.Error() != "server returned 409: version conflict" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestExpectStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/links": `{"capability":"mail"}`,
	})

	resp, err := ts.client().post(ctx, "/v1/links", map[string]string{"capability": "mail"})
	if err != nil {
		t.Fatal(err)
	}
	if err := expectStatus(resp, http.StatusCreated); err != nil {
		t.Errorf("expectStatus: %v", err)
	}

	resp, err = ts.client().delete(ctx, "/v1/links/mail")
	if err != nil {
		t.Fatal(err)
	}
	if err := expectStatus(resp, http.StatusNoContent); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expectStatus = %v, want not found", err)
	}
}

func sseLine(ev notify.Event) string {
	data, _ := json.Marshal(ev)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data)
}

func TestWaitForTurn(t *testing.T) {
	stream := ": connected\n\n" +
		sseLine(notify.Event{Type: notify.TurnComplete, TurnID: "other", Content: "not mine"}) +
		sseLine(notify.Event{Type: notify.ToolStarted, TurnID: "t1", Tool: "search_context"}) +
		sseLine(notify.Event{Type: notify.TurnComplete, TurnID: "t1", Content: "done"})

	var tools []string
	ev, err := waitForTurn(strings.NewReader(stream), "t1", func(ev notify.Event) {
		tools = append(tools, ev.Tool)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Content != "done" {
		t.Errorf("content = %q, want done", ev.Content)
	}
	if diff := cmp.Diff([]string{"search_context"}, tools); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
}

func TestWaitForTurn_StreamClosed(t *testing.T) {
	_, err := waitForTurn(strings.NewReader(": connected\n\n"), "t1", nil)
	if err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("err = %v, want stream closed error", err)
	}
}

// turnServer streams events for turn t1 once the turn has been posted.
func turnServer(t *testing.T, final notify.Event) *httptest.Server {
	t.Helper()
	posted := make(chan struct{})
	var once sync.Once

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "GET /v1/events":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ": connected\n\n")
			w.(http.Flusher).Flush()
			select {
			case <-posted:
			case <-r.Context().Done():
				return
			}
			fmt.Fprint(w, sseLine(notify.Event{Type: notify.ToolStarted, TurnID: "t1", Tool: "create_task"}))
			fmt.Fprint(w, sseLine(final))
			w.(http.Flusher).Flush()
		case "POST /v1/turns":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"turn_id":"t1"}`)
			once.Do(func() { close(posted) })
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunChat(t *testing.T) {
	srv := turnServer(t, notify.Event{Type: notify.TurnComplete, TurnID: "t1", Content: "Email sent."})
	c := &apiClient{baseURL: srv.URL, token: "t", owner: "alice", httpClient: srv.Client()}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var steps []string
	reply, err := runChat(cctx, c, "email Sam", func(ev notify.Event) { steps = append(steps, ev.Tool) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Email sent." {
		t.Errorf("reply = %q", reply)
	}
	if len(steps) != 1 || steps[0] != "create_task" {
		t.Errorf("steps = %v", steps)
	}
}

func TestRunChat_Failed(t *testing.T) {
	srv := turnServer(t, notify.Event{Type: notify.TurnFailed, TurnID: "t1", Error: "iteration limit reached"})
	c := &apiClient{baseURL: srv.URL, token: "t", owner: "alice", httpClient: srv.Client()}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := runChat(cctx, c, "loop forever", nil)
	if err == nil || !strings.Contains(err.Error(), "iteration limit") {
		t.Errorf("err = %v, want turn failure", err)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.LLM.APIKey = "sk-secret"

	found := map[string]string{}
	for _, k := range config.ShowAll(cfg) {
		found[k.Key] = k.Value
	}
	if found["server.port"] != "4100" {
		t.Errorf("server.port = %q, want 4100", found["server.port"])
	}
	if strings.Contains(found["llm.api_key"], "sk-secret") {
		t.Errorf("llm.api_key leaked: %q", found["llm.api_key"])
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"a  b\nc", 10, "a b c"},
		{"abcdefghij", 4, "abcd..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestWriteTaskRow(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var buf bytes.Buffer
	writeTaskRow(&buf, task.Task{
		ID:          "0123456789abcdef",
		Status:      task.Waiting,
		Description: "Follow up with Sam\nabout Tuesday",
		UpdatedAt:   time.Date(2026, 3, 4, 10, 0, 0, 0, time.Local),
	})

	want := "01234567  waiting      2026-03-04 10:00  Follow up with Sam about Tuesday\n"
	if got := buf.String(); got != want {
		t.Errorf("row = %q, want %q", got, want)
	}
}
