package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kalambet/attache/internal/llm"
	"github.com/kalambet/attache/internal/notify"
	"github.com/kalambet/attache/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockGateway records every request and answers with completeFn.
type mockGateway struct {
	mu         sync.Mutex
	requests   []llm.Request
	completeFn func(ctx context.Context, req llm.Request) (llm.Reply, error)
}

func (m *mockGateway) Complete(ctx context.Context, req llm.Request) (llm.Reply, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.completeFn(ctx, req)
}

func (m *mockGateway) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, owner string, ev notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev.Owner = owner
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) ofType(typ string) []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notify.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type pingArgs struct {
	N int `json:"n,omitempty"`
}

func pingRegistry() *tools.Registry {
	return tools.NewRegistry(tools.New("ping", "Ping.", func(_ context.Context, owner string, a pingArgs) (any, error) {
		return "pong", nil
	}))
}

func toolCallReply(calls ...llm.ToolCall) llm.Reply {
	return llm.Reply{ToolCalls: calls}
}

func TestRun_PlainAnswer(t *testing.T) {
	gw := &mockGateway{completeFn: func(context.Context, llm.Request) (llm.Reply, error) {
		return llm.Reply{Content: "hello"}, nil
	}}
	r := NewRunner(gw, "test-model")

	out, err := r.Run(context.Background(), Turn{Owner: "alice", System: "sys", History: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, Temperature: 0.3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Content != "hello" || out.Iterations != 1 {
		t.Errorf("out = %+v", out)
	}
	req := gw.requests[0]
	if req.Model != "test-model" || req.Temperature != 0.3 || len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleSystem {
		t.Errorf("request = %+v", req)
	}
}

func TestRun_ToolRoundTrip(t *testing.T) {
	gw := &mockGateway{}
	gw.completeFn = func(_ context.Context, req llm.Request) (llm.Reply, error) {
		if gw.calls() == 1 {
			return toolCallReply(
				llm.ToolCall{ID: "a", Name: "ping", Arguments: `{}`},
				llm.ToolCall{ID: "b", Name: "missing", Arguments: `{}`},
				llm.ToolCall{Name: "ping", Arguments: `{oops`},
			), nil
		}
		return llm.Reply{Content: "done"}, nil
	}
	pub := &recordingPublisher{}
	r := NewRunner(gw, "m", WithPublisher(pub))

	out, err := r.Run(context.Background(), Turn{ID: "turn-1", Owner: "alice", Tools: pingRegistry()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Content != "done" || out.Iterations != 2 || len(out.ToolResults) != 3 {
		t.Fatalf("out = %+v", out)
	}

	second := gw.requests[1].Messages
	if len(second) != 4 {
		t.Fatalf("second request has %d messages, want assistant + 3 tool results", len(second))
	}
	if second[0].Role != llm.RoleAssistant || len(second[0].ToolCalls) != 3 {
		t.Errorf("assistant message = %+v", second[0])
	}
	if second[3].ToolCallID == "" || second[3].ToolCallID != second[0].ToolCalls[2].ID {
		t.Errorf("generated call id not echoed: %+v vs %+v", second[3], second[0].ToolCalls[2])
	}
	if second[1].ToolCallID != "a" || second[1].Content != "pong" {
		t.Errorf("first tool result = %+v", second[1])
	}
	if second[2].ToolCallID != "b" || !strings.Contains(second[2].Content, "unknown tool") {
		t.Errorf("unknown tool result = %+v", second[2])
	}
	if second[3].Content != "pong" {
		t.Errorf("malformed-args result = %+v", second[3])
	}
	if len(gw.requests[1].Tools) != 1 || gw.requests[1].Tools[0].Name != "ping" {
		t.Errorf("tools offered = %+v", gw.requests[1].Tools)
	}

	if started := pub.ofType(notify.ToolStarted); len(started) != 3 || started[0].TurnID != "turn-1" {
		t.Errorf("tool.started = %+v", started)
	}
	finished := pub.ofType(notify.ToolFinished)
	if len(finished) != 3 {
		t.Fatalf("tool.finished = %+v", finished)
	}
	errored := 0
	for _, ev := range finished {
		if ev.Error != "" {
			errored++
		}
	}
	if errored != 1 {
		t.Errorf("finished events with errors = %d, want 1", errored)
	}
}

func TestRun_IterationLimit(t *testing.T) {
	gw := &mockGateway{completeFn: func(context.Context, llm.Request) (llm.Reply, error) {
		return toolCallReply(llm.ToolCall{ID: "x", Name: "ping", Arguments: `{}`}), nil
	}}
	r := NewRunner(gw, "m", WithMaxIterations(3))

	out, err := r.Run(context.Background(), Turn{Owner: "alice", Tools: pingRegistry()})
	if !errors.Is(err, ErrIterationLimit) {
		t.Fatalf("err = %v, want ErrIterationLimit", err)
	}
	if gw.calls() != 3 || out.Iterations != 3 {
		t.Errorf("gateway calls = %d, iterations = %d, want 3", gw.calls(), out.Iterations)
	}
	if out.Content != "" {
		t.Errorf("content = %q on failure", out.Content)
	}
}

func TestRun_GatewayErrorsAbort(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"provider", &llm.ProviderError{Status: 500, Category: llm.CategoryServer, Err: errors.New("boom")}},
		{"malformed", llm.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &mockGateway{completeFn: func(context.Context, llm.Request) (llm.Reply, error) {
				return llm.Reply{}, tt.err
			}}
			_, err := NewRunner(gw, "m").Run(context.Background(), Turn{Owner: "alice"})
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
			if gw.calls() != 1 {
				t.Errorf("gateway calls = %d, want 1 (no retry)", gw.calls())
			}
		})
	}
}

type turnObserver struct {
	kind, outcome string
	iterations    int
}

func (o *turnObserver) ObserveTurn(kind, outcome string, iterations int, _ time.Duration) {
	o.kind, o.outcome, o.iterations = kind, outcome, iterations
}

func TestRun_ReportsOutcome(t *testing.T) {
	gw := &mockGateway{completeFn: func(context.Context, llm.Request) (llm.Reply, error) {
		return toolCallReply(llm.ToolCall{ID: "x", Name: "ping"}), nil
	}}
	obs := &turnObserver{}
	NewRunner(gw, "m", WithMaxIterations(2), WithObserver(obs)).Run(context.Background(), Turn{Owner: "alice", Kind: "orchestration", Tools: pingRegistry()})
	if obs.kind != "orchestration" || obs.outcome != "iteration_limit" || obs.iterations != 2 {
		t.Errorf("observer = %+v", obs)
	}
}
