// Package agent runs the bounded tool-calling loop shared by chat turns and
// orchestration passes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kalambet/attache/internal/llm"
	"github.com/kalambet/attache/internal/notify"
	"github.com/kalambet/attache/internal/tools"
)

// DefaultMaxIterations caps gateway calls per turn.
const DefaultMaxIterations = 10

// ErrIterationLimit is returned when the model keeps requesting tools past
// the iteration cap.
var ErrIterationLimit = errors.New("iteration limit reached without a final answer")

var tracer = otel.Tracer("github.com/kalambet/attache/internal/agent")

// Turn is one invocation of the loop.
type Turn struct {
	ID          string
	Owner       string
	Kind        string // "chat", "orchestration", "evaluation"
	System      string
	History     []llm.Message
	Tools       *tools.Registry
	Temperature float32
}

// Outcome is the result of a completed loop.
type Outcome struct {
	Content    string
	Iterations int
	// ToolResults holds every tool result of the turn, in execution order.
	ToolResults []tools.Result
}

// Observer receives per-turn outcomes; metrics.Metrics implements it.
type Observer interface {
	ObserveTurn(kind, outcome string, iterations int, d time.Duration)
}

// Runner drives the loop against a gateway.
type Runner struct {
	gateway       llm.Gateway
	model         string
	maxIterations int
	publisher     notify.Publisher
	observer      Observer
}

type RunnerOption func(*Runner)

func WithMaxIterations(n int) RunnerOption {
	return func(r *Runner) { r.maxIterations = n }
}

func WithPublisher(p notify.Publisher) RunnerOption {
	return func(r *Runner) { r.publisher = p }
}

func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

func NewRunner(gateway llm.Gateway, model string, opts ...RunnerOption) *Runner {
	r := &Runner{
		gateway:       gateway,
		model:         model,
		maxIterations: DefaultMaxIterations,
		publisher:     notify.Discard{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.maxIterations <= 0 {
		r.maxIterations = DefaultMaxIterations
	}
	return r
}

// Run calls the gateway with the system message, history and tool set until
// the model answers in plain content. Tool calls in one reply run
// concurrently and all their results are appended before the next call.
// Gateway failures abort the turn; tool failures are fed back to the model.
func (r *Runner) Run(ctx context.Context, t Turn) (out Outcome, err error) {
	ctx, span := tracer.Start(ctx, "agent.turn")
	span.SetAttributes(
		attribute.String("owner", t.Owner),
		attribute.String("turn.id", t.ID),
		attribute.String("turn.kind", t.Kind),
	)
	start := time.Now()
	defer func() {
		outcome := "complete"
		switch {
		case errors.Is(err, ErrIterationLimit):
			outcome = "iteration_limit"
		case err != nil:
			outcome = "failed"
		}
		if r.observer != nil {
			r.observer.ObserveTurn(t.Kind, outcome, out.Iterations, time.Since(start))
		}
		span.SetAttributes(attribute.Int("turn.iterations", out.Iterations), attribute.String("turn.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	messages := make([]llm.Message, 0, len(t.History)+1)
	if t.System != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: t.System})
	}
	messages = append(messages, t.History...)

	var defs []llm.ToolDef
	if t.Tools != nil {
		defs = t.Tools.Definitions()
	}

	for out.Iterations < r.maxIterations {
		reply, err := r.gateway.Complete(ctx, llm.Request{
			Model:       r.model,
			Messages:    messages,
			Tools:       defs,
			Temperature: t.Temperature,
		})
		out.Iterations++
		if err != nil {
			return out, fmt.Errorf("iteration %d: %w", out.Iterations, err)
		}

		if !reply.HasToolCalls() {
			out.Content = reply.Content
			slog.Debug("turn complete", "owner", t.Owner, "turn_id", t.ID, "kind", t.Kind, "iterations", out.Iterations)
			return out, nil
		}

		calls := withCallIDs(reply.ToolCalls, out.Iterations)
		results := r.executeAll(ctx, t, calls)
		out.ToolResults = append(out.ToolResults, results...)

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: reply.Content, ToolCalls: calls})
		for _, res := range results {
			messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: res.CallID, Content: res.Content})
		}
	}

	slog.Warn("turn hit iteration limit", "owner", t.Owner, "turn_id", t.ID, "kind", t.Kind, "limit", r.maxIterations)
	return out, fmt.Errorf("%w (%d)", ErrIterationLimit, r.maxIterations)
}

func (r *Runner) executeAll(ctx context.Context, t Turn, calls []llm.ToolCall) []tools.Result {
	if t.Tools == nil {
		t.Tools = tools.NewRegistry()
	}
	return t.Tools.ExecuteAll(ctx, t.Owner, calls, func(call llm.ToolCall, done *tools.Result) {
		ev := notify.Event{Type: notify.ToolStarted, TurnID: t.ID, Tool: call.Name, CallID: call.ID}
		if done != nil {
			ev.Type = notify.ToolFinished
			if done.IsError {
				ev.Error = done.Content
			}
		}
		r.publisher.Publish(ctx, t.Owner, ev)
	})
}

// withCallIDs fills in ids some providers omit so every result can be
// matched to its call.
func withCallIDs(calls []llm.ToolCall, iteration int) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d_%d", iteration, i)
		}
		out[i] = c
	}
	return out
}
