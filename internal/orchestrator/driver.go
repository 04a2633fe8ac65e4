// Package orchestrator runs the periodic per-owner pass that evaluates
// instructions against new events and lets the model advance open tasks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/attache/internal/agent"
	"github.com/kalambet/attache/internal/capability"
	"github.com/kalambet/attache/internal/instruction"
	"github.com/kalambet/attache/internal/llm"
	"github.com/kalambet/attache/internal/task"
	"github.com/kalambet/attache/internal/tools"
)

const (
	DefaultSchedule    = "@hourly"
	DefaultEventWindow = 15 * time.Minute
	DefaultMaxParallel = 4
	DefaultTemperature = 0.1
)

var tracer = otel.Tracer("github.com/kalambet/attache/internal/orchestrator")

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule reports whether spec is a usable cron expression.
func ValidateSchedule(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Owners lists the owners a scheduled pass visits.
type Owners interface {
	LinkedOwners(ctx context.Context) ([]string, error)
}

// Tasks is the read side of the task store.
type Tasks interface {
	ListByStatus(ctx context.Context, owner string, statuses ...task.Status) ([]task.Task, error)
}

// Indexer makes fetched events retrievable by later turns.
type Indexer interface {
	Index(ctx context.Context, owner, content, source string) (string, error)
}

// Evaluator spawns tasks from instructions; *instruction.Evaluator implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, owner, passID string, events []capability.Event) (instruction.Result, error)
}

// Observer receives pass outcomes; metrics.Metrics implements it.
type Observer interface {
	ObservePass(outcome string, d time.Duration)
}

type Config struct {
	Schedule    string
	EventWindow time.Duration
	MaxParallel int
	Temperature float32
}

// OwnerReport describes one owner's pass.
type OwnerReport struct {
	Owner         string   `json:"owner"`
	PassID        string   `json:"pass_id"`
	Events        int      `json:"events"`
	TasksCreated  []string `json:"tasks_created,omitempty"`
	TasksReviewed int      `json:"tasks_reviewed"`
	Iterations    int      `json:"iterations"`
	Summary       string   `json:"summary,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Driver schedules and runs orchestration passes.
type Driver struct {
	runner    *agent.Runner
	owners    Owners
	tasks     Tasks
	events    capability.Events
	indexer   Indexer
	evaluator Evaluator
	tools     *tools.Registry
	cfg       Config
	observer  Observer

	indexed   *eventSet
	evaluated *eventSet

	cron *cron.Cron
}

// Deps groups the Driver's collaborators. Indexer, Evaluator and Observer
// may be nil.
type Deps struct {
	Runner    *agent.Runner
	Owners    Owners
	Tasks     Tasks
	Events    capability.Events
	Indexer   Indexer
	Evaluator Evaluator
	Tools     *tools.Registry
	Observer  Observer
}

func New(d Deps, cfg Config) *Driver {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.EventWindow <= 0 {
		cfg.EventWindow = DefaultEventWindow
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	return &Driver{
		runner:    d.Runner,
		owners:    d.Owners,
		tasks:     d.Tasks,
		events:    d.Events,
		indexer:   d.Indexer,
		evaluator: d.Evaluator,
		tools:     d.Tools,
		cfg:       cfg,
		observer:  d.Observer,
		indexed:   newEventSet(),
		evaluated: newEventSet(),
	}
}

// Start schedules RunPass on the configured cron schedule. Passes run on
// ctx; Stop waits for a running pass to finish.
func (d *Driver) Start(ctx context.Context) error {
	if d.cron != nil {
		return errors.New("orchestrator already started")
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(d.cfg.Schedule, func() { d.RunPass(ctx) }); err != nil {
		return fmt.Errorf("scheduling orchestration %q: %w", d.cfg.Schedule, err)
	}
	d.cron = c
	c.Start()
	slog.Info("orchestrator started", "schedule", d.cfg.Schedule, "max_parallel", d.cfg.MaxParallel)
	return nil
}

// Stop halts scheduling and waits for a running pass, or for ctx.
func (d *Driver) Stop(ctx context.Context) error {
	if d.cron == nil {
		return nil
	}
	done := d.cron.Stop()
	d.cron = nil
	select {
	case <-done.Done():
		slog.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunPass visits every linked owner with bounded parallelism. One owner's
// failure is logged and never affects the others.
func (d *Driver) RunPass(ctx context.Context) []OwnerReport {
	start := time.Now()
	owners, err := d.owners.LinkedOwners(ctx)
	if err != nil {
		slog.Error("listing owners for orchestration", "error", err)
		d.observePass("failed", time.Since(start))
		return nil
	}

	reports := make([]OwnerReport, len(owners))
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxParallel)
	for i, owner := range owners {
		g.Go(func() error {
			rep, err := d.RunOwner(ctx, owner)
			if err != nil {
				slog.Error("orchestration failed for owner", "owner", owner, "pass_id", rep.PassID, "error", err)
			}
			reports[i] = rep
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, r := range reports {
		if r.Error != "" {
			failed++
		}
	}
	outcome := "complete"
	if failed > 0 {
		outcome = "partial"
	}
	d.observePass(outcome, time.Since(start))
	slog.Info("orchestration pass finished", "owners", len(owners), "failed", failed, "duration", time.Since(start).Round(time.Millisecond))
	return reports
}

// RunOwner runs one owner's pass: fetch recent events, index them, evaluate
// instructions, then let the model review open tasks.
func (d *Driver) RunOwner(ctx context.Context, owner string) (rep OwnerReport, err error) {
	rep = OwnerReport{Owner: owner, PassID: uuid.New().String()}
	ctx, span := tracer.Start(ctx, "orchestrator.owner")
	span.SetAttributes(attribute.String("owner", owner), attribute.String("pass.id", rep.PassID))
	defer func() {
		if err != nil {
			rep.Error = err.Error()
			span.RecordError(err)
		}
		span.End()
	}()

	var events []capability.Event
	if d.events != nil {
		events, err = d.events.Since(ctx, owner, time.Now().Add(-d.cfg.EventWindow))
		if err != nil {
			return rep, fmt.Errorf("fetching events: %w", err)
		}
	}
	rep.Events = len(events)
	d.indexEvents(ctx, owner, events)

	var errs []error
	if d.evaluator != nil {
		if err := d.evaluate(ctx, owner, &rep, events); err != nil {
			errs = append(errs, err)
		}
	}

	open, err := d.tasks.ListByStatus(ctx, owner, task.InProgress, task.Waiting)
	if err != nil {
		return rep, errors.Join(append(errs, fmt.Errorf("listing tasks: %w", err))...)
	}
	rep.TasksReviewed = len(open)
	if len(open) == 0 {
		return rep, errors.Join(errs...)
	}

	out, err := d.runner.Run(ctx, agent.Turn{
		ID:          rep.PassID,
		Owner:       owner,
		Kind:        "orchestration",
		System:      directive,
		History:     []llm.Message{{Role: llm.RoleUser, Content: RenderPassPrompt(time.Now(), open, events)}},
		Tools:       d.tools,
		Temperature: d.cfg.Temperature,
	})
	rep.Iterations = out.Iterations
	rep.Summary = out.Content
	if err != nil {
		errs = append(errs, fmt.Errorf("resuming tasks: %w", err))
	}
	return rep, errors.Join(errs...)
}

// evaluate hands the evaluator only events no earlier pass has evaluated,
// since consecutive windows overlap. Events are marked once the evaluation
// succeeds or has already spawned tasks from them.
func (d *Driver) evaluate(ctx context.Context, owner string, rep *OwnerReport, events []capability.Event) error {
	fresh := d.evaluated.unseen(owner, events)
	if len(fresh) == 0 {
		return nil
	}
	res, err := d.evaluator.Evaluate(ctx, owner, rep.PassID, fresh)
	rep.TasksCreated = res.TasksCreated
	if err == nil || len(res.TasksCreated) > 0 {
		for _, ev := range fresh {
			d.evaluated.mark(owner, ev)
		}
	}
	d.evaluated.prune(time.Now().Add(-2 * d.cfg.EventWindow))
	return err
}

// indexEvents stores each not-yet-indexed event as a chunk tagged with its
// capability so chat turns can retrieve it. Failures are logged only.
func (d *Driver) indexEvents(ctx context.Context, owner string, events []capability.Event) {
	if d.indexer == nil {
		return
	}
	for _, ev := range d.indexed.unseen(owner, events) {
		if strings.TrimSpace(ev.Summary) == "" {
			continue
		}
		content := ev.Summary
		if len(ev.Payload) > 0 && string(ev.Payload) != "{}" {
			content += "\n" + string(ev.Payload)
		}
		if _, err := d.indexer.Index(ctx, owner, content, ev.Capability); err != nil {
			slog.Warn("indexing event", "owner", owner, "event_id", ev.ID, "error", err)
			continue
		}
		d.indexed.mark(owner, ev)
	}
	d.indexed.prune(time.Now().Add(-2 * d.cfg.EventWindow))
}

// eventSet remembers handled events by owner and id until they age out of
// twice the event window.
type eventSet struct {
	mu   sync.Mutex
	seen map[string]time.Time // owner/event id -> occurred_at
}

func newEventSet() *eventSet {
	return &eventSet{seen: make(map[string]time.Time)}
}

func (s *eventSet) unseen(owner string, events []capability.Event) []capability.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []capability.Event
	for _, ev := range events {
		if _, ok := s.seen[owner+"/"+ev.ID]; !ok {
			out = append(out, ev)
		}
	}
	return out
}

func (s *eventSet) mark(owner string, ev capability.Event) {
	s.mu.Lock()
	s.seen[owner+"/"+ev.ID] = ev.OccurredAt
	s.mu.Unlock()
}

func (s *eventSet) prune(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, k)
		}
	}
}

func (d *Driver) observePass(outcome string, dur time.Duration) {
	if d.observer != nil {
		d.observer.ObservePass(outcome, dur)
	}
}
