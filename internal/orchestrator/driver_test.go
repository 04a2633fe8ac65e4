package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/kalambet/attache/internal/agent"
	"github.com/kalambet/attache/internal/capability"
	"github.com/kalambet/attache/internal/instruction"
	"github.com/kalambet/attache/internal/llm"
	"github.com/kalambet/attache/internal/storage"
	"github.com/kalambet/attache/internal/task"
	"github.com/kalambet/attache/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockGateway struct {
	mu         sync.Mutex
	requests   []llm.Request
	completeFn func(req llm.Request) (llm.Reply, error)
}

func (m *mockGateway) Complete(_ context.Context, req llm.Request) (llm.Reply, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.completeFn(req)
}

func (m *mockGateway) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type fakeOwners []string

func (f fakeOwners) LinkedOwners(context.Context) ([]string, error) { return f, nil }

type fakeEvents struct {
	sinceFn func(ctx context.Context, owner string, since time.Time) ([]capability.Event, error)
}

func (f *fakeEvents) Since(ctx context.Context, owner string, since time.Time) ([]capability.Event, error) {
	return f.sinceFn(ctx, owner, since)
}

type fakeMail struct {
	mu   sync.Mutex
	sent []capability.Message
}

func (f *fakeMail) Search(context.Context, string, string, int) ([]capability.Message, error) {
	return nil, nil
}

func (f *fakeMail) Get(context.Context, string, string) (capability.Message, error) {
	return capability.Message{}, nil
}

func (f *fakeMail) Send(_ context.Context, _ string, msg capability.Message) (capability.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = "sent-1"
	f.sent = append(f.sent, msg)
	return msg, nil
}

type recordingIndexer struct {
	mu      sync.Mutex
	sources []string
}

func (r *recordingIndexer) Index(_ context.Context, _, _, source string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source)
	return "chunk", nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) ObservePass(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func newTasks(t *testing.T) (*storage.Store, *task.Store) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, task.NewStore(db)
}

func noEvents() *fakeEvents {
	return &fakeEvents{sinceFn: func(context.Context, string, time.Time) ([]capability.Event, error) {
		return nil, nil
	}}
}

func TestRunOwner_EmailSamAboutTuesday(t *testing.T) {
	_, tasks := newTasks(t)
	ctx := context.Background()
	tk, err := tasks.Create(ctx, "alice", "Email Sam about Tuesday", task.DocumentFromMap(map[string]any{"sam": "sam@example.com"}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mail := &fakeMail{}
	registry := tools.NewRegistry(append(tools.TaskTools(tasks), tools.CapabilityTools(capability.Set{Mail: mail})...)...)

	gw := &mockGateway{completeFn: func(req llm.Request) (llm.Reply, error) {
		switch len(req.Messages) {
		case 2:
			if !strings.Contains(req.Messages[1].Content, "Email Sam about Tuesday") || !strings.Contains(req.Messages[1].Content, tk.ID) {
				t.Errorf("pass prompt = %q", req.Messages[1].Content)
			}
			return llm.Reply{ToolCalls: []llm.ToolCall{{
				ID:        "c1",
				Name:      tools.SendMail,
				Arguments: `{"to":["sam@example.com"],"subject":"Tuesday","body":"Are we still on for Tuesday?"}`,
			}}}, nil
		case 4:
			return llm.Reply{ToolCalls: []llm.ToolCall{{
				ID:        "c2",
				Name:      tools.UpdateTaskStatus,
				Arguments: `{"task_id":"` + tk.ID + `","status":"completed","reason":"emailed Sam"}`,
			}}}, nil
		default:
			return llm.Reply{Content: "Emailed Sam and closed the task."}, nil
		}
	}}

	d := New(Deps{
		Runner: agent.NewRunner(gw, "m"),
		Owners: fakeOwners{"alice"},
		Tasks:  tasks,
		Events: noEvents(),
		Tools:  registry,
	}, Config{Temperature: DefaultTemperature})

	rep, err := d.RunOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOwner: %v", err)
	}
	if rep.TasksReviewed != 1 || rep.Iterations != 3 || rep.Summary == "" {
		t.Errorf("report = %+v", rep)
	}
	if len(mail.sent) != 1 || mail.sent[0].To[0] != "sam@example.com" {
		t.Errorf("sent = %+v", mail.sent)
	}
	got, _ := tasks.Get(ctx, "alice", tk.ID)
	if got.Status != task.Completed {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if gw.requests[0].Temperature != DefaultTemperature {
		t.Errorf("temperature = %v", gw.requests[0].Temperature)
	}
}

func TestRunOwner_NoOpenTasksSkipsModel(t *testing.T) {
	_, tasks := newTasks(t)
	ctx := context.Background()
	done, _ := tasks.Create(ctx, "alice", "old", nil)
	tasks.UpdateStatus(ctx, "alice", done.ID, task.Completed, task.UpdateOptions{})

	gw := &mockGateway{completeFn: func(llm.Request) (llm.Reply, error) {
		t.Error("gateway called")
		return llm.Reply{Content: "x"}, nil
	}}
	d := New(Deps{Runner: agent.NewRunner(gw, "m"), Owners: fakeOwners{"alice"}, Tasks: tasks, Events: noEvents()}, Config{})

	rep, err := d.RunOwner(ctx, "alice")
	if err != nil || rep.TasksReviewed != 0 {
		t.Errorf("rep=%+v err=%v", rep, err)
	}
}

func TestRunOwner_EvaluatesBeforeResuming(t *testing.T) {
	db, tasks := newTasks(t)
	ctx := context.Background()
	instructions := instruction.NewStore(db)
	instructions.Create(ctx, "alice", "When someone new emails me, add them to the CRM")

	events := &fakeEvents{sinceFn: func(_ context.Context, _ string, since time.Time) ([]capability.Event, error) {
		if time.Since(since) < 14*time.Minute {
			t.Errorf("window start %v is too recent", since)
		}
		return []capability.Event{{ID: "e1", Capability: capability.NameMail, Kind: "received", Summary: "Mail from dana@newco.io", OccurredAt: time.Now()}}, nil
	}}

	var order []string
	gw := &mockGateway{completeFn: func(req llm.Request) (llm.Reply, error) {
		last := req.Messages[len(req.Messages)-1]
		switch {
		case strings.HasPrefix(req.Messages[1].Content, "Instructions:") && last.Role == llm.RoleUser:
			order = append(order, "evaluate")
			return llm.Reply{ToolCalls: []llm.ToolCall{{ID: "c1", Name: tools.CreateTask, Arguments: `{"description":"Add dana@newco.io to the CRM"}`}}}, nil
		case strings.HasPrefix(req.Messages[1].Content, "Instructions:"):
			return llm.Reply{Content: "created"}, nil
		default:
			order = append(order, "resume")
			if !strings.Contains(req.Messages[1].Content, "Add dana@newco.io to the CRM") {
				t.Errorf("new task missing from pass prompt: %q", req.Messages[1].Content)
			}
			return llm.Reply{Content: "nothing to do yet"}, nil
		}
	}}
	runner := agent.NewRunner(gw, "m")
	registry := tools.NewRegistry(tools.TaskTools(tasks)...)
	indexer := &recordingIndexer{}
	d := New(Deps{
		Runner:    runner,
		Owners:    fakeOwners{"alice"},
		Tasks:     tasks,
		Events:    events,
		Indexer:   indexer,
		Evaluator: instruction.NewEvaluator(runner, instructions, registry, DefaultTemperature),
		Tools:     registry,
	}, Config{})

	rep, err := d.RunOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOwner: %v", err)
	}
	if strings.Join(order, ",") != "evaluate,resume" {
		t.Errorf("order = %v", order)
	}
	if rep.Events != 1 || len(rep.TasksCreated) != 1 || rep.TasksReviewed != 1 {
		t.Errorf("report = %+v", rep)
	}
	if len(indexer.sources) != 1 || indexer.sources[0] != capability.NameMail {
		t.Errorf("indexed sources = %v", indexer.sources)
	}

	// The same event is not indexed twice on the next pass.
	d.RunOwner(ctx, "alice")
	if len(indexer.sources) != 1 {
		t.Errorf("event re-indexed: %v", indexer.sources)
	}
}

type evaluatorFunc func(ctx context.Context, owner, passID string, events []capability.Event) (instruction.Result, error)

func (f evaluatorFunc) Evaluate(ctx context.Context, owner, passID string, events []capability.Event) (instruction.Result, error) {
	return f(ctx, owner, passID, events)
}

func TestRunOwner_EvaluatesEachEventOnce(t *testing.T) {
	_, tasks := newTasks(t)
	ctx := context.Background()
	now := time.Now()
	e1 := capability.Event{ID: "e1", Capability: capability.NameMail, Summary: "Mail from dana", OccurredAt: now.Add(-10 * time.Minute)}
	e2 := capability.Event{ID: "e2", Capability: capability.NameCalendar, Summary: "Offsite moved", OccurredAt: now.Add(-time.Minute)}

	windows := [][]capability.Event{{e1}, {e1, e2}, {e1, e2}, {e1, e2}}
	pass := 0
	events := &fakeEvents{sinceFn: func(context.Context, string, time.Time) ([]capability.Event, error) {
		return windows[pass], nil
	}}

	var calls [][]string
	failNext := false
	eval := evaluatorFunc(func(_ context.Context, _, _ string, evs []capability.Event) (instruction.Result, error) {
		var ids []string
		for _, ev := range evs {
			ids = append(ids, ev.ID)
		}
		calls = append(calls, ids)
		if failNext {
			failNext = false
			return instruction.Result{Evaluated: true}, errors.New("model unavailable")
		}
		return instruction.Result{Evaluated: true}, nil
	})

	gw := &mockGateway{completeFn: func(llm.Request) (llm.Reply, error) {
		return llm.Reply{Content: "x"}, nil
	}}
	d := New(Deps{Runner: agent.NewRunner(gw, "m"), Owners: fakeOwners{"alice"}, Tasks: tasks, Events: events, Evaluator: eval}, Config{})

	// Pass 1 sees e1. Pass 2 fails on e2, so pass 3 retries it alone. Pass 4
	// has nothing new and skips the evaluator.
	d.RunOwner(ctx, "alice")
	pass, failNext = 1, true
	if _, err := d.RunOwner(ctx, "alice"); err == nil {
		t.Error("pass 2 succeeded, want evaluator error")
	}
	pass = 2
	if _, err := d.RunOwner(ctx, "alice"); err != nil {
		t.Errorf("pass 3: %v", err)
	}
	pass = 3
	d.RunOwner(ctx, "alice")

	want := [][]string{{"e1"}, {"e2"}, {"e2"}}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("evaluated events mismatch (-want +got):\n%s", diff)
	}

	// Events of another owner are tracked separately.
	d.RunOwner(ctx, "bob")
	if len(calls) != 4 || len(calls[3]) != 2 {
		t.Errorf("bob's evaluation = %v", calls)
	}
}

func TestRunPass_FaultIsolation(t *testing.T) {
	_, tasks := newTasks(t)
	ctx := context.Background()
	for _, owner := range []string{"alice", "bob", "carol"} {
		tasks.Create(ctx, owner, "follow up", nil)
	}
	events := &fakeEvents{sinceFn: func(_ context.Context, owner string, _ time.Time) ([]capability.Event, error) {
		if owner == "bob" {
			return nil, errors.New("bridge unavailable")
		}
		return nil, nil
	}}
	gw := &mockGateway{completeFn: func(llm.Request) (llm.Reply, error) {
		return llm.Reply{Content: "reviewed"}, nil
	}}
	obs := &recordingObserver{}
	d := New(Deps{
		Runner:   agent.NewRunner(gw, "m"),
		Owners:   fakeOwners{"alice", "bob", "carol"},
		Tasks:    tasks,
		Events:   events,
		Observer: obs,
	}, Config{MaxParallel: 2})

	reports := d.RunPass(ctx)
	if len(reports) != 3 {
		t.Fatalf("reports = %+v", reports)
	}
	for _, r := range reports {
		failed := r.Error != ""
		if failed != (r.Owner == "bob") {
			t.Errorf("owner %s error = %q", r.Owner, r.Error)
		}
	}
	if gw.calls() != 2 {
		t.Errorf("gateway calls = %d, want 2", gw.calls())
	}
	if len(obs.outcomes) != 1 || obs.outcomes[0] != "partial" {
		t.Errorf("outcomes = %v", obs.outcomes)
	}
}

func TestRunPass_ModelFailureIsolated(t *testing.T) {
	_, tasks := newTasks(t)
	ctx := context.Background()
	tasks.Create(ctx, "alice", "a", nil)
	tasks.Create(ctx, "bob", "b", nil)

	gw := &mockGateway{completeFn: func(req llm.Request) (llm.Reply, error) {
		if strings.Contains(req.Messages[1].Content, "] a (") {
			return llm.Reply{}, &llm.ProviderError{Category: llm.CategoryServer, Status: 500, Err: errors.New("upstream down")}
		}
		return llm.Reply{Content: "ok"}, nil
	}}
	d := New(Deps{Runner: agent.NewRunner(gw, "m"), Owners: fakeOwners{"alice", "bob"}, Tasks: tasks, Events: noEvents()}, Config{})

	reports := d.RunPass(ctx)
	if reports[0].Error == "" || reports[1].Error != "" {
		t.Errorf("reports = %+v", reports)
	}
}

func TestStartStop(t *testing.T) {
	_, tasks := newTasks(t)
	gw := &mockGateway{completeFn: func(llm.Request) (llm.Reply, error) { return llm.Reply{Content: "ok"}, nil }}
	d := New(Deps{Runner: agent.NewRunner(gw, "m"), Owners: fakeOwners{}, Tasks: tasks}, Config{Schedule: "@every 1h"})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, spec := range []string{"@hourly", "*/15 * * * *", "0 */5 * * * *", "@every 30m"} {
		if err := ValidateSchedule(spec); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", spec, err)
		}
	}
	if err := ValidateSchedule("every tuesday"); err == nil {
		t.Error("invalid schedule accepted")
	}
}

func TestRenderPassPrompt(t *testing.T) {
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	open := []task.Task{{ID: "t1", Status: task.Waiting, Description: "Book dinner", Context: task.DocumentFromMap(map[string]any{"place": "Nopa"}), UpdatedAt: now}}
	got := RenderPassPrompt(now, open, nil)
	for _, want := range []string{"Current time: 2026-03-03T10:00:00Z", "1. [waiting] Book dinner (id t1", `context: {"place":"Nopa"}`, "Recent events:\nnone"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}
