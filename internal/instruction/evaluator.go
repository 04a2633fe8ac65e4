package instruction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/attache/internal/agent"
	"github.com/kalambet/attache/internal/capability"
	"github.com/kalambet/attache/internal/llm"
	"github.com/kalambet/attache/internal/tools"
)

const evaluationPreamble = `You check the user's standing instructions against events that just happened in their accounts.
For each event, decide whether any instruction clearly applies to it. When one does, call create_task once with a description of the work the instruction asks for and the event details in its context.
Do not create a task when the match is doubtful, and never create the same task twice. When nothing matches, reply "no match" without calling any tool.`

// Result summarises one evaluation.
type Result struct {
	Evaluated    bool     `json:"evaluated"`
	TasksCreated []string `json:"tasks_created,omitempty"`
}

// Evaluator runs the model over an owner's active instructions and recent
// events with create_task as its only tool.
type Evaluator struct {
	runner      *agent.Runner
	store       *Store
	tools       *tools.Registry
	temperature float32
}

// NewEvaluator restricts registry to create_task.
func NewEvaluator(runner *agent.Runner, store *Store, registry *tools.Registry, temperature float32) *Evaluator {
	return &Evaluator{
		runner:      runner,
		store:       store,
		tools:       registry.Subset(tools.CreateTask),
		temperature: temperature,
	}
}

// Evaluate does nothing (and calls no model) when the owner has no active
// instructions or there are no events.
func (e *Evaluator) Evaluate(ctx context.Context, owner, passID string, events []capability.Event) (Result, error) {
	if len(events) == 0 {
		return Result{}, nil
	}
	rules, err := e.store.List(ctx, owner, true)
	if err != nil {
		return Result{}, err
	}
	if len(rules) == 0 {
		return Result{}, nil
	}

	out, err := e.runner.Run(ctx, agent.Turn{
		ID:          passID,
		Owner:       owner,
		Kind:        "evaluation",
		System:      evaluationPreamble,
		History:     []llm.Message{{Role: llm.RoleUser, Content: RenderEvaluationPrompt(rules, events)}},
		Tools:       e.tools,
		Temperature: e.temperature,
	})
	res := Result{Evaluated: true}
	for _, r := range out.ToolResults {
		if r.Name != tools.CreateTask || r.IsError {
			continue
		}
		var created struct {
			ID string `json:"id"`
		}
		if json.Unmarshal([]byte(r.Content), &created) == nil && created.ID != "" {
			res.TasksCreated = append(res.TasksCreated, created.ID)
		}
	}
	if err != nil {
		return res, fmt.Errorf("evaluating instructions: %w", err)
	}
	slog.Info("instructions evaluated", "owner", owner, "instructions", len(rules), "events", len(events), "tasks_created", len(res.TasksCreated))
	return res, nil
}

// RenderEvaluationPrompt lists rules and events as numbered items.
func RenderEvaluationPrompt(rules []Instruction, events []capability.Event) string {
	var b strings.Builder
	b.WriteString("Instructions:\n")
	for i, r := range rules {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Description)
	}
	b.WriteString("\nNew events:\n")
	for i, ev := range events {
		fmt.Fprintf(&b, "%d. [%s %s at %s] %s", i+1, ev.Capability, ev.Kind, ev.OccurredAt.UTC().Format("2006-01-02 15:04"), ev.Summary)
		if len(ev.Payload) > 0 && string(ev.Payload) != "{}" {
			fmt.Fprintf(&b, " %s", ev.Payload)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
