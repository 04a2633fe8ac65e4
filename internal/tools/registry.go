// Package tools maps model tool calls onto task-store mutations, retrieval
// and external capabilities. Execution never fails the caller: every problem
// becomes an error result the model can read.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/attache/internal/llm"
)

var tracer = otel.Tracer("github.com/kalambet/attache/internal/tools")

// maxParallelCalls bounds concurrent tool execution within one model reply.
const maxParallelCalls = 4

// Result is the text fed back to the model for one call.
type Result struct {
	CallID  string `json:"call_id,omitempty"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Tool is a registered tool: its advertised schema and a type-erased handler.
type Tool struct {
	name        string
	description string
	params      json.RawMessage
	schema      *validator.Schema
	run         func(ctx context.Context, owner string, raw json.RawMessage) (any, error)
}

func (t *Tool) Name() string { return t.name }

// Definition returns the model-facing description of t.
func (t *Tool) Definition() llm.ToolDef {
	return llm.ToolDef{Name: t.name, Description: t.description, Parameters: t.params}
}

// New builds a tool whose parameter schema is reflected from A. Struct
// fields without omitempty are required, unknown fields are rejected. fn
// receives arguments that already passed schema validation.
func New[A any](name, description string, fn func(ctx context.Context, owner string, args A) (any, error)) *Tool {
	r := &jsonschema.Reflector{DoNotReference: true}
	s := r.Reflect(new(A))
	s.Version = ""
	s.ID = ""
	params, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("tools: reflecting schema for %s: %v", name, err))
	}
	compiled, err := validator.CompileString(name+".schema.json", string(params))
	if err != nil {
		panic(fmt.Sprintf("tools: compiling schema for %s: %v", name, err))
	}

	return &Tool{
		name:        name,
		description: description,
		params:      params,
		schema:      compiled,
		run: func(ctx context.Context, owner string, raw json.RawMessage) (any, error) {
			var args A
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decoding arguments: %w", err)
			}
			return fn(ctx, owner, args)
		},
	}
}

// Observer receives per-call outcomes; metrics.Metrics implements it.
type Observer interface {
	ObserveToolCall(tool string, isError bool, d time.Duration)
}

// Registry is a fixed table of tools dispatched by exact name.
type Registry struct {
	tools    map[string]*Tool
	observer Observer
}

func NewRegistry(tools ...*Tool) *Registry {
	r := &Registry{tools: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds t. Registering a name twice replaces the earlier tool.
func (r *Registry) Register(t *Tool) {
	r.tools[t.name] = t
}

// SetObserver attaches a call observer.
func (r *Registry) SetObserver(o Observer) { r.observer = o }

// Subset returns a registry restricted to the named tools. Unknown names
// are ignored.
func (r *Registry) Subset(names ...string) *Registry {
	sub := &Registry{tools: make(map[string]*Tool, len(names)), observer: r.observer}
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			sub.tools[n] = t
		}
	}
	return sub
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns every tool's model-facing definition, sorted by name.
func (r *Registry) Definitions() []llm.ToolDef {
	names := r.Names()
	defs := make([]llm.ToolDef, len(names))
	for i, n := range names {
		defs[i] = r.tools[n].Definition()
	}
	return defs
}

// Execute runs one call. Unknown tools, schema violations, handler errors
// and panics all come back as error results; arguments that are not valid
// JSON are treated as {}.
func (r *Registry) Execute(ctx context.Context, owner, name, args string) Result {
	ctx, span := tracer.Start(ctx, "tool.execute")
	span.SetAttributes(attribute.String("tool.name", name), attribute.String("owner", owner))
	defer span.End()

	start := time.Now()
	res := r.execute(ctx, owner, name, args)
	span.SetAttributes(attribute.Bool("tool.is_error", res.IsError))
	if r.observer != nil {
		r.observer.ObserveToolCall(name, res.IsError, time.Since(start))
	}
	return res
}

func (r *Registry) execute(ctx context.Context, owner, name, args string) (res Result) {
	res.Name = name

	t, ok := r.tools[name]
	if !ok {
		return errorResult(name, fmt.Errorf("unknown tool %q", name))
	}

	raw := json.RawMessage(strings.TrimSpace(args))
	if len(raw) == 0 || !json.Valid(raw) {
		if len(raw) != 0 {
			slog.Warn("malformed tool arguments, using {}", "tool", name, "owner", owner)
		}
		raw = json.RawMessage("{}")
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return errorResult(name, fmt.Errorf("decoding arguments: %w", err))
	}
	if err := t.schema.Validate(decoded); err != nil {
		return errorResult(name, fmt.Errorf("invalid arguments: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("tool panicked", "tool", name, "owner", owner, "panic", p)
			res = errorResult(name, fmt.Errorf("tool panicked: %v", p))
		}
	}()

	out, err := t.run(ctx, owner, raw)
	if err != nil {
		slog.Warn("tool call failed", "tool", name, "owner", owner, "error", err)
		return errorResult(name, err)
	}
	content, err := formatOutput(out)
	if err != nil {
		return errorResult(name, err)
	}
	return Result{Name: name, Content: content}
}

// Progress is called before (done == nil) and after each call in ExecuteAll.
type Progress func(call llm.ToolCall, done *Result)

// ExecuteAll runs calls concurrently and returns their results in call
// order once every call has finished.
func (r *Registry) ExecuteAll(ctx context.Context, owner string, calls []llm.ToolCall, progress Progress) []Result {
	results := make([]Result, len(calls))
	var g errgroup.Group
	g.SetLimit(maxParallelCalls)
	for i, call := range calls {
		g.Go(func() error {
			if progress != nil {
				progress(call, nil)
			}
			res := r.Execute(ctx, owner, call.Name, call.Arguments)
			res.CallID = call.ID
			results[i] = res
			if progress != nil {
				progress(call, &results[i])
			}
			return nil
		})
	}
	g.Wait()
	return results
}

func errorResult(name string, err error) Result {
	return Result{Name: name, Content: "error: " + err.Error(), IsError: true}
}

func formatOutput(out any) (string, error) {
	switch v := out.(type) {
	case nil:
		return "ok", nil
	case string:
		return v, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(b), nil
}
