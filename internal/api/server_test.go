package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	openai "github.com/sashabaranov/go-openai"

	"github.com/kalambet/attache/internal/agent"
	"github.com/kalambet/attache/internal/capability"
	"github.com/kalambet/attache/internal/instruction"
	"github.com/kalambet/attache/internal/notify"
	"github.com/kalambet/attache/internal/orchestrator"
	"github.com/kalambet/attache/internal/retrieval"
	"github.com/kalambet/attache/internal/storage"
	"github.com/kalambet/attache/internal/task"
)

const testToken = "test-token"

type mockChat struct {
	dispatchFn func(ctx context.Context, owner, message string) (string, error)
	respondFn  func(ctx context.Context, owner, message string) (string, agent.Outcome, error)
}

func (m *mockChat) Dispatch(ctx context.Context, owner, message string) (string, error) {
	return m.dispatchFn(ctx, owner, message)
}

func (m *mockChat) Respond(ctx context.Context, owner, message string) (string, agent.Outcome, error) {
	return m.respondFn(ctx, owner, message)
}

type mockRetriever struct {
	queryFn func(ctx context.Context, owner, text string, opts retrieval.QueryOptions) ([]retrieval.Hit, error)
}

func (m *mockRetriever) Query(ctx context.Context, owner, text string, opts retrieval.QueryOptions) ([]retrieval.Hit, error) {
	return m.queryFn(ctx, owner, text, opts)
}

type mockOrchestrator struct {
	runFn func(ctx context.Context, owner string) (orchestrator.OwnerReport, error)
}

func (m *mockOrchestrator) RunOwner(ctx context.Context, owner string) (orchestrator.OwnerReport, error) {
	return m.runFn(ctx, owner)
}

type fixture struct {
	srv    *httptest.Server
	store  *storage.Store
	tasks  *task.Store
	broker *notify.Broker
	chat   *mockChat
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	broker := notify.NewBroker()
	t.Cleanup(broker.Close)

	f := &fixture{
		store:  store,
		tasks:  task.NewStore(store),
		broker: broker,
		chat: &mockChat{
			dispatchFn: func(context.Context, string, string) (string, error) { return "turn-1", nil },
			respondFn: func(context.Context, string, string) (string, agent.Outcome, error) {
				return "turn-1", agent.Outcome{Content: "hello"}, nil
			},
		},
	}
	deps := Deps{
		Token:        testToken,
		Chat:         f.chat,
		History:      store,
		Notify:       broker,
		Tasks:        f.tasks,
		Instructions: instruction.NewStore(store),
		Retriever: &mockRetriever{queryFn: func(context.Context, string, string, retrieval.QueryOptions) ([]retrieval.Hit, error) {
			return nil, nil
		}},
		Jobs:              store,
		Events:            capability.NewStoredEvents(store),
		Links:             store,
		HeartbeatInterval: 20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.srv = httptest.NewServer(NewHandler(deps))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, owner, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestHealth_NoAuth(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAuthAndOwner(t *testing.T) {
	f := newFixture(t, nil)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/tasks", nil)
	req.Header.Set(OwnerHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", resp.StatusCode)
	}

	if resp := f.do(t, "", http.MethodGet, "/v1/tasks", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no owner: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, "a/b", http.MethodGet, "/v1/tasks", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad owner: status = %d", resp.StatusCode)
	}
}

func TestTasks_Lifecycle(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "alice", http.MethodPost, "/v1/tasks", map[string]any{"description": "Email Sam about Tuesday", "context": map[string]any{"who": "sam"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decode[task.Task](t, resp)

	resp = f.do(t, "alice", http.MethodPatch, "/v1/tasks/"+created.ID, map[string]any{"status": "waiting", "context": map[string]any{"sent": "m-1"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}
	patched := decode[task.Task](t, resp)
	if patched.Status != task.Waiting || patched.Version != 3 {
		t.Errorf("patched = %+v", patched)
	}
	got := patched.Context.ToMap()
	history, _ := got["status_history"].([]any)
	delete(got, "status_history")
	want := map[string]any{"who": "sam", "sent": "m-1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("context mismatch (-want +got):\n%s", diff)
	}
	if len(history) != 1 {
		t.Fatalf("status_history = %v, want one entry", history)
	}
	if entry, _ := history[0].(map[string]any); entry["from"] != "in_progress" || entry["to"] != "waiting" {
		t.Errorf("status_history[0] = %v", history[0])
	}

	resp = f.do(t, "alice", http.MethodGet, "/v1/tasks?status=waiting", nil)
	if list := decode[[]task.Task](t, resp); len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("waiting list = %+v", list)
	}
	resp = f.do(t, "alice", http.MethodGet, "/v1/tasks?status=completed", nil)
	if list := decode[[]task.Task](t, resp); len(list) != 0 {
		t.Errorf("completed list = %+v", list)
	}

	if resp := f.do(t, "bob", http.MethodGet, "/v1/tasks/"+created.ID, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-owner get status = %d", resp.StatusCode)
	}
	if resp := f.do(t, "alice", http.MethodPatch, "/v1/tasks/"+created.ID, map[string]any{"status": "sideways"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad status = %d", resp.StatusCode)
	}
	if resp := f.do(t, "alice", http.MethodPatch, "/v1/tasks/"+created.ID, map[string]any{"status": "completed", "expected_version": 1}); resp.StatusCode != http.StatusConflict {
		t.Errorf("stale write status = %d", resp.StatusCode)
	}
	if resp := f.do(t, "alice", http.MethodPost, "/v1/tasks", map[string]any{"description": " "}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank description status = %d", resp.StatusCode)
	}
}

func TestInstructions_CRUD(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "alice", http.MethodPost, "/v1/instructions", map[string]string{"description": "Add new senders to the CRM"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	in := decode[instruction.Instruction](t, resp)

	resp = f.do(t, "alice", http.MethodPatch, "/v1/instructions/"+in.ID, map[string]any{"active": false})
	if got := decode[instruction.Instruction](t, resp); got.Active {
		t.Errorf("still active: %+v", got)
	}
	resp = f.do(t, "alice", http.MethodGet, "/v1/instructions?active=true", nil)
	if list := decode[[]instruction.Instruction](t, resp); len(list) != 0 {
		t.Errorf("active list = %+v", list)
	}
	if resp := f.do(t, "alice", http.MethodPost, "/v1/instructions", map[string]string{"description": ""}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank status = %d", resp.StatusCode)
	}
	if resp := f.do(t, "bob", http.MethodPatch, "/v1/instructions/"+in.ID, map[string]any{"active": true}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-owner patch status = %d", resp.StatusCode)
	}
}

func TestPostTurn_AcceptedAndStreamed(t *testing.T) {
	var f *fixture
	f = newFixture(t, nil)
	f.chat.dispatchFn = func(_ context.Context, owner, message string) (string, error) {
		go f.broker.Publish(context.Background(), owner, notify.Event{Type: notify.TurnComplete, TurnID: "turn-42", Content: "answer to " + message})
		return "turn-42", nil
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/events", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set(OwnerHeader, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := f.srv.Client().Do(req.WithContext(ctx))
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	reader := bufio.NewReader(stream.Body)
	if line, _ := reader.ReadString('\n'); !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q", line)
	}
	waitFor(t, func() bool { return f.broker.Subscribers("alice") == 1 })

	resp := f.do(t, "alice", http.MethodPost, "/v1/turns", map[string]string{"message": "hi"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode[map[string]string](t, resp); got["turn_id"] != "turn-42" {
		t.Errorf("body = %v", got)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev notify.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		if ev.Type != notify.TurnComplete || ev.TurnID != "turn-42" || ev.Content != "answer to hi" || ev.Owner != "alice" {
			t.Errorf("event = %+v", ev)
		}
		break
	}

	if resp := f.do(t, "alice", http.MethodPost, "/v1/turns", map[string]string{"message": "  "}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message status = %d", resp.StatusCode)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListTurns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.store.AppendTurn(ctx, storage.Turn{ID: "u1", Owner: "alice", Role: "user", Content: "hi", CreatedAt: time.Now().Add(-time.Minute)})
	f.store.AppendTurn(ctx, storage.Turn{ID: "a1", Owner: "alice", Role: "assistant", Content: "hello", CreatedAt: time.Now()})
	f.store.AppendTurn(ctx, storage.Turn{ID: "u2", Owner: "bob", Role: "user", Content: "other", CreatedAt: time.Now()})

	resp := f.do(t, "alice", http.MethodGet, "/v1/turns", nil)
	turns := decode[[]turnView](t, resp)
	if len(turns) != 2 || turns[0].ID != "u1" || turns[1].Content != "hello" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestChatCompletions(t *testing.T) {
	f := newFixture(t, nil)
	var got string
	f.chat.respondFn = func(_ context.Context, owner, message string) (string, agent.Outcome, error) {
		got = message
		return "turn-7", agent.Outcome{Content: "Jane mentioned baseball."}, nil
	}

	resp := f.do(t, "alice", http.MethodPost, "/v1/chat/completions", openai.ChatCompletionRequest{
		Model: "attache",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "old question"},
			{Role: openai.ChatMessageRoleAssistant, Content: "old answer"},
			{Role: openai.ChatMessageRoleUser, Content: "Who mentioned baseball?"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decode[openai.ChatCompletionResponse](t, resp)
	if got != "Who mentioned baseball?" || out.ID != "turn-7" || out.Choices[0].Message.Content != "Jane mentioned baseball." {
		t.Errorf("message=%q response=%+v", got, out)
	}

	f.chat.respondFn = func(context.Context, string, string) (string, agent.Outcome, error) {
		return "", agent.Outcome{}, agent.ErrIterationLimit
	}
	resp = f.do(t, "alice", http.MethodPost, "/v1/chat/completions", openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "loop"}},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("iteration limit status = %d", resp.StatusCode)
	}
}

func TestRecall(t *testing.T) {
	var gotOpts retrieval.QueryOptions
	f := newFixture(t, func(d *Deps) {
		d.Retriever = &mockRetriever{queryFn: func(_ context.Context, owner, text string, opts retrieval.QueryOptions) ([]retrieval.Hit, error) {
			gotOpts = opts
			if owner != "alice" {
				return nil, errors.New("wrong owner")
			}
			return []retrieval.Hit{{ID: "c1", Content: "Jane said her kid plays baseball", Source: "mail", Similarity: 0.9}}, nil
		}}
	})

	resp := f.do(t, "alice", http.MethodPost, "/v1/recall", map[string]any{"query": "baseball", "k": 500, "sources": []string{"mail"}})
	hits := decode[[]retrieval.Hit](t, resp)
	if len(hits) != 1 || hits[0].Source != "mail" {
		t.Errorf("hits = %+v", hits)
	}
	if gotOpts.K != maxRecallK || len(gotOpts.Sources) != 1 {
		t.Errorf("opts = %+v", gotOpts)
	}
	if resp := f.do(t, "alice", http.MethodPost, "/v1/recall", map[string]any{"query": "x", "min_similarity": 2}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad threshold status = %d", resp.StatusCode)
	}
}

func TestRecall_DefaultThreshold(t *testing.T) {
	var gotOpts retrieval.QueryOptions
	f := newFixture(t, func(d *Deps) {
		d.MinSimilarity = 0.7
		d.Retriever = &mockRetriever{queryFn: func(_ context.Context, _, _ string, opts retrieval.QueryOptions) ([]retrieval.Hit, error) {
			gotOpts = opts
			return nil, nil
		}}
	})

	tests := []struct {
		name string
		body map[string]any
		want float32
	}{
		{"omitted uses configured", map[string]any{"query": "x"}, 0.7},
		{"explicit value", map[string]any{"query": "x", "min_similarity": 0.4}, 0.4},
		{"explicit zero", map[string]any{"query": "x", "min_similarity": 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, "alice", http.MethodPost, "/v1/recall", tt.body)
			hits := decode[[]retrieval.Hit](t, resp)
			if len(hits) != 0 {
				t.Errorf("hits = %+v", hits)
			}
			if gotOpts.MinSimilarity != tt.want {
				t.Errorf("MinSimilarity = %v, want %v", gotOpts.MinSimilarity, tt.want)
			}
		})
	}
}

func TestIngest_QueueAndStatus(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "alice", http.MethodPost, "/v1/ingest", map[string]any{"source": "notes", "text": "Offsite is on Tuesday"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	id := decode[map[string]string](t, resp)["id"]

	resp = f.do(t, "alice", http.MethodGet, "/v1/ingest/"+id, nil)
	if got := decode[map[string]any](t, resp); got["status"] != "pending" {
		t.Errorf("job = %v", got)
	}
	if resp := f.do(t, "bob", http.MethodGet, "/v1/ingest/"+id, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-owner status = %d", resp.StatusCode)
	}
	if resp := f.do(t, "alice", http.MethodPost, "/v1/ingest", map[string]any{"text": "a", "url": "https://x"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("ambiguous ingest status = %d", resp.StatusCode)
	}
}

func TestLinksAndInboundEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if resp := f.do(t, "alice", http.MethodPost, "/v1/links", map[string]string{"capability": "mail"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("link status = %d", resp.StatusCode)
	}
	if resp := f.do(t, "alice", http.MethodPost, "/v1/links", map[string]string{"capability": "fax"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown capability status = %d", resp.StatusCode)
	}
	owners, _ := f.store.LinkedOwners(ctx)
	if diff := cmp.Diff([]string{"alice"}, owners); diff != "" {
		t.Errorf("linked owners (-want +got):\n%s", diff)
	}

	resp := f.do(t, "alice", http.MethodPost, "/v1/events/inbound", map[string]any{"capability": "mail", "kind": "received", "summary": "Mail from dana"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("inbound status = %d", resp.StatusCode)
	}
	events, _ := capability.NewStoredEvents(f.store).Since(ctx, "alice", time.Now().Add(-time.Hour))
	if len(events) != 1 || events[0].Summary != "Mail from dana" {
		t.Errorf("events = %+v", events)
	}
	if resp := f.do(t, "alice", http.MethodPost, "/v1/events/inbound", map[string]any{"summary": "no kind"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid event status = %d", resp.StatusCode)
	}

	if resp := f.do(t, "alice", http.MethodDelete, "/v1/links/mail", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("unlink status = %d", resp.StatusCode)
	}
	if resp := f.do(t, "alice", http.MethodDelete, "/v1/links/mail", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second unlink status = %d", resp.StatusCode)
	}
}

func TestOrchestrate(t *testing.T) {
	f := newFixture(t, nil)
	if resp := f.do(t, "alice", http.MethodPost, "/v1/orchestrate", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("disabled status = %d", resp.StatusCode)
	}

	f = newFixture(t, func(d *Deps) {
		d.Orchestrator = &mockOrchestrator{runFn: func(ctx context.Context, owner string) (orchestrator.OwnerReport, error) {
			return orchestrator.OwnerReport{Owner: owner, PassID: "p1", TasksReviewed: 2}, nil
		}}
	})
	resp := f.do(t, "alice", http.MethodPost, "/v1/orchestrate", nil)
	rep := decode[orchestrator.OwnerReport](t, resp)
	if rep.Owner != "alice" || rep.TasksReviewed != 2 {
		t.Errorf("report = %+v", rep)
	}
}
