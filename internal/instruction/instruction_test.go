package instruction

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/attache/internal/agent"
	"github.com/kalambet/attache/internal/capability"
	"github.com/kalambet/attache/internal/llm"
	"github.com/kalambet/attache/internal/storage"
	"github.com/kalambet/attache/internal/task"
	"github.com/kalambet/attache/internal/tools"
)

type mockGateway struct {
	mu         sync.Mutex
	requests   []llm.Request
	completeFn func(req llm.Request, call int) (llm.Reply, error)
}

func (m *mockGateway) Complete(_ context.Context, req llm.Request) (llm.Reply, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	m.mu.Unlock()
	return m.completeFn(req, n)
}

type fixture struct {
	db           *storage.Store
	tasks        *task.Store
	instructions *Store
	registry     *tools.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	tasks := task.NewStore(db)
	return fixture{
		db:           db,
		tasks:        tasks,
		instructions: NewStore(db),
		registry:     tools.NewRegistry(tools.TaskTools(tasks)...),
	}
}

func TestStore_CRUD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in, err := f.instructions.Create(ctx, "alice", "  Add new senders to the CRM  ")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !in.Active || in.Description != "Add new senders to the CRM" {
		t.Errorf("created = %+v", in)
	}
	if _, err := f.instructions.Create(ctx, "alice", " "); err == nil {
		t.Error("blank description accepted")
	}

	off := false
	updated, err := f.instructions.Update(ctx, "alice", in.ID, nil, &off)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Active || updated.Description != in.Description {
		t.Errorf("updated = %+v", updated)
	}

	active, _ := f.instructions.List(ctx, "alice", true)
	if len(active) != 0 {
		t.Errorf("active = %+v", active)
	}
	all, _ := f.instructions.List(ctx, "alice", false)
	if len(all) != 1 {
		t.Errorf("all = %+v", all)
	}

	if _, err := f.instructions.Get(ctx, "bob", in.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("cross-owner Get err = %v", err)
	}
	empty := "  "
	if _, err := f.instructions.Update(ctx, "alice", in.ID, &empty, nil); err == nil {
		t.Error("blank description update accepted")
	}
}

func TestEvaluate_OneMatchingEventCreatesOneTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.instructions.Create(ctx, "alice", "When someone I have never emailed writes to me, add them to the CRM")
	f.instructions.Create(ctx, "alice", "When a meeting is cancelled, tell my assistant")

	events := []capability.Event{{
		ID:         "e1",
		Capability: capability.NameMail,
		Kind:       "received",
		Summary:    "New mail from unknown sender dana@newco.io: Partnership?",
		OccurredAt: time.Now().Add(-5 * time.Minute),
	}}

	gw := &mockGateway{completeFn: func(req llm.Request, call int) (llm.Reply, error) {
		if call == 1 {
			prompt := req.Messages[1].Content
			if !strings.Contains(prompt, "dana@newco.io") || !strings.Contains(prompt, "1. When someone") || !strings.Contains(prompt, "2. When a meeting") {
				t.Errorf("prompt = %q", prompt)
			}
			return llm.Reply{ToolCalls: []llm.ToolCall{{
				ID:        "c1",
				Name:      tools.CreateTask,
				Arguments: `{"description":"Add dana@newco.io to the CRM","context":{"event_id":"e1"}}`,
			}}}, nil
		}
		return llm.Reply{Content: "created one task"}, nil
	}}
	ev := NewEvaluator(agent.NewRunner(gw, "m"), f.instructions, f.registry, 0.1)

	res, err := ev.Evaluate(ctx, "alice", "pass-1", events)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Evaluated || len(res.TasksCreated) != 1 {
		t.Fatalf("result = %+v", res)
	}

	tasks, _ := f.tasks.ListByStatus(ctx, "alice")
	if len(tasks) != 1 || tasks[0].ID != res.TasksCreated[0] || !strings.Contains(tasks[0].Description, "dana@newco.io") {
		t.Errorf("tasks = %+v", tasks)
	}

	req := gw.requests[0]
	if len(req.Tools) != 1 || req.Tools[0].Name != tools.CreateTask {
		t.Errorf("tools offered = %+v", req.Tools)
	}
	if req.Temperature != 0.1 {
		t.Errorf("temperature = %v", req.Temperature)
	}
}

func TestEvaluate_ModelCannotUseOtherTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.instructions.Create(ctx, "alice", "rule")
	existing, _ := f.tasks.Create(ctx, "alice", "keep me open", nil)

	gw := &mockGateway{completeFn: func(req llm.Request, call int) (llm.Reply, error) {
		if call == 1 {
			return llm.Reply{ToolCalls: []llm.ToolCall{{ID: "c1", Name: tools.UpdateTaskStatus, Arguments: `{"task_id":"` + existing.ID + `","status":"completed"}`}}}, nil
		}
		var msgs []string
		for _, m := range req.Messages {
			msgs = append(msgs, m.Content)
		}
		if !strings.Contains(strings.Join(msgs, "\n"), "unknown tool") {
			t.Errorf("model not told the tool is unavailable: %v", msgs)
		}
		return llm.Reply{Content: "no match"}, nil
	}}
	ev := NewEvaluator(agent.NewRunner(gw, "m"), f.instructions, f.registry, 0.1)

	if _, err := ev.Evaluate(ctx, "alice", "pass-1", []capability.Event{{ID: "e", Capability: "mail", Kind: "received", Summary: "x"}}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	got, _ := f.tasks.Get(ctx, "alice", existing.ID)
	if got.Status != task.InProgress {
		t.Errorf("status changed through evaluator: %s", got.Status)
	}
}

func TestEvaluate_SkipsWithoutEventsOrRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gw := &mockGateway{completeFn: func(llm.Request, int) (llm.Reply, error) {
		t.Error("gateway called")
		return llm.Reply{Content: "x"}, nil
	}}
	ev := NewEvaluator(agent.NewRunner(gw, "m"), f.instructions, f.registry, 0.1)

	res, err := ev.Evaluate(ctx, "alice", "p", []capability.Event{{ID: "e", Capability: "mail", Kind: "received"}})
	if err != nil || res.Evaluated {
		t.Errorf("no rules: res=%+v err=%v", res, err)
	}

	in, _ := f.instructions.Create(ctx, "alice", "rule")
	if res, _ := ev.Evaluate(ctx, "alice", "p", nil); res.Evaluated {
		t.Error("evaluated without events")
	}

	off := false
	f.instructions.Update(ctx, "alice", in.ID, nil, &off)
	if res, _ := ev.Evaluate(ctx, "alice", "p", []capability.Event{{ID: "e"}}); res.Evaluated {
		t.Error("evaluated with only inactive rules")
	}
}

func TestRenderEvaluationPrompt_IncludesPayload(t *testing.T) {
	at := time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)
	got := RenderEvaluationPrompt(
		[]Instruction{{Description: "rule one"}},
		[]capability.Event{{Capability: "crm", Kind: "updated", Summary: "Deal moved", Payload: json.RawMessage(`{"stage":"won"}`), OccurredAt: at}},
	)
	want := "Instructions:\n1. rule one\n\nNew events:\n1. [crm updated at 2026-03-03 09:30] Deal moved {\"stage\":\"won\"}"
	if got != want {
		t.Errorf("prompt =\n%s\nwant\n%s", got, want)
	}
}
