package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/attache/internal/storage"
)

// Backend is the persistence the Store needs. Implemented by storage.Store.
type Backend interface {
	CreateTask(ctx context.Context, t storage.Task) error
	GetTask(ctx context.Context, owner, id string) (storage.Task, error)
	ListTasks(ctx context.Context, owner string, statuses []string, limit int) ([]storage.Task, error)
	UpdateTask(ctx context.Context, t storage.Task) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// maxMergeAttempts bounds the read-modify-write loop for unversioned
// updates: one write plus one re-read and retry.
const maxMergeAttempts = 2

// historyKey is the context key under which status changes are recorded.
const historyKey = "status_history"

// Store is the owner-scoped task API used by tools and drivers.
type Store struct {
	backend Backend
	clock   Clock
	strict  bool
}

// Option configures a Store.
type Option func(*Store)

// WithStrictTransitions enables ValidateTransition at the store boundary.
func WithStrictTransitions(strict bool) Option {
	return func(s *Store) { s.strict = strict }
}

// WithClock replaces the wall clock (for tests).
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, clock: realClock{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create stores a new InProgress task. initial may be nil.
func (s *Store) Create(ctx context.Context, owner, description string, initial *Document) (Task, error) {
	description = strings.TrimSpace(description)
	if owner == "" {
		return Task{}, errors.New("owner is required")
	}
	if description == "" {
		return Task{}, errors.New("description is required")
	}
	now := s.clock.Now().UTC()
	t := Task{
		ID:          uuid.New().String(),
		Owner:       owner,
		Description: description,
		Status:      InProgress,
		Context:     initial.Clone(),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.backend.CreateTask(ctx, t.toRow()); err != nil {
		return Task{}, fmt.Errorf("creating task: %w", err)
	}
	slog.Debug("task created", "owner", owner, "task_id", t.ID)
	return t, nil
}

func (s *Store) Get(ctx context.Context, owner, id string) (Task, error) {
	row, err := s.backend.GetTask(ctx, owner, id)
	if err != nil {
		return Task{}, err
	}
	return fromRow(row)
}

// ListByStatus returns the owner's tasks in any of the given statuses, oldest
// first. No statuses means all tasks.
func (s *Store) ListByStatus(ctx context.Context, owner string, statuses ...Status) ([]Task, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.backend.ListTasks(ctx, owner, names, 0)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	tasks := make([]Task, 0, len(rows))
	for _, r := range rows {
		t, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// UpdateOptions control a single write.
type UpdateOptions struct {
	// ExpectedVersion, when non-zero, makes the write a single compare-and-swap
	// against that version instead of a re-read-and-retry merge.
	ExpectedVersion int

	// Reopen permits leaving a terminal status on strict stores.
	Reopen bool

	// Reason is recorded with status changes.
	Reason string
}

// UpdateStatus moves the task to status and appends an entry to the
// status_history list in its context.
func (s *Store) UpdateStatus(ctx context.Context, owner, id string, status Status, opts UpdateOptions) (Task, error) {
	return s.update(ctx, owner, id, opts, func(t *Task) error {
		if s.strict {
			if err := ValidateTransition(t.Status, status, opts.Reopen); err != nil {
				return err
			}
		}
		entry := NewDocument()
		entry.Set("from", String(string(t.Status)))
		entry.Set("to", String(string(status)))
		entry.Set("at", String(s.clock.Now().UTC().Format(time.RFC3339)))
		if opts.Reason != "" {
			entry.Set("reason", String(opts.Reason))
		}
		history, _ := t.Context.Get(historyKey)
		items, _ := history.AsList()
		items = append(append([]Value(nil), items...), Map(entry))

		t.Context = t.Context.Clone()
		t.Context.Set(historyKey, List(items...))
		t.Status = status
		return nil
	})
}

// UpdateContext deep-merges patch into the task's context and then removes
// the listed keys. Keys are only ever dropped when named in remove.
func (s *Store) UpdateContext(ctx context.Context, owner, id string, patch *Document, remove []string, opts UpdateOptions) (Task, error) {
	return s.update(ctx, owner, id, opts, func(t *Task) error {
		merged := t.Context.Merge(patch)
		for _, k := range remove {
			merged.Delete(k)
		}
		t.Context = merged
		return nil
	})
}

func (s *Store) update(ctx context.Context, owner, id string, opts UpdateOptions, mutate func(*Task) error) (Task, error) {
	attempts := maxMergeAttempts
	if opts.ExpectedVersion != 0 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		t, err := s.Get(ctx, owner, id)
		if err != nil {
			return Task{}, err
		}
		if opts.ExpectedVersion != 0 && t.Version != opts.ExpectedVersion {
			return Task{}, fmt.Errorf("%w: have version %d, expected %d", ErrStaleWrite, t.Version, opts.ExpectedVersion)
		}
		if err := mutate(&t); err != nil {
			return Task{}, err
		}
		t.UpdatedAt = s.clock.Now().UTC()

		err = s.backend.UpdateTask(ctx, t.toRow())
		if err == nil {
			t.Version++
			return t, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return Task{}, fmt.Errorf("updating task %s: %w", id, err)
		}
		slog.Debug("task write conflict, retrying", "owner", owner, "task_id", id, "attempt", i+1)
	}
	return Task{}, fmt.Errorf("%w: task %s", ErrStaleWrite, id)
}
