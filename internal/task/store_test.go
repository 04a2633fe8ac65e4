package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/attache/internal/storage"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, opts...)
}

func TestCreateGetList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "alice", "Email Sam about Tuesday", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != InProgress || created.Version != 1 {
		t.Errorf("created = %+v", created)
	}

	got, err := s.Get(ctx, "alice", created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Description != "Email Sam about Tuesday" {
		t.Errorf("Description = %q", got.Description)
	}

	if _, err := s.Get(ctx, "bob", created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-owner Get error = %v, want ErrNotFound", err)
	}

	waiting, err := s.ListByStatus(ctx, "alice", Waiting)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(waiting) != 0 {
		t.Errorf("waiting = %d tasks, want 0", len(waiting))
	}
	active, _ := s.ListByStatus(ctx, "alice", InProgress, Waiting)
	if len(active) != 1 {
		t.Errorf("active = %d tasks, want 1", len(active))
	}
}

func TestCreate_Validation(t *testing.T) {
	s := openStore(t)
	if _, err := s.Create(context.Background(), "", "x", nil); err == nil {
		t.Error("Create without owner succeeded")
	}
	if _, err := s.Create(context.Background(), "alice", "   ", nil); err == nil {
		t.Error("Create without description succeeded")
	}
}

func TestUpdateStatus_RecordsHistory(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := openStore(t, WithClock(fixedClock{at}))
	ctx := context.Background()

	created, _ := s.Create(ctx, "alice", "task", nil)
	updated, err := s.UpdateStatus(ctx, "alice", created.ID, Completed, UpdateOptions{Reason: "mail sent"})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if updated.Status != Completed || updated.Version != 2 {
		t.Errorf("updated = %+v", updated)
	}

	got, _ := s.Get(ctx, "alice", created.ID)
	want := `{"status_history":[{"from":"in_progress","to":"completed","at":"2026-01-02T03:04:05Z","reason":"mail sent"}]}`
	if got.Context.String() != want {
		t.Errorf("context = %s\nwant %s", got.Context, want)
	}
}

func TestUpdateStatus_AnyTransitionByDefault(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, "alice", "task", nil)
	if _, err := s.UpdateStatus(ctx, "alice", created.ID, Completed, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateStatus(Completed): %v", err)
	}
	if _, err := s.UpdateStatus(ctx, "alice", created.ID, InProgress, UpdateOptions{}); err != nil {
		t.Errorf("soft store rejected Completed -> InProgress: %v", err)
	}
}

func TestUpdateStatus_Strict(t *testing.T) {
	s := openStore(t, WithStrictTransitions(true))
	ctx := context.Background()

	created, _ := s.Create(ctx, "alice", "task", nil)
	s.UpdateStatus(ctx, "alice", created.ID, Completed, UpdateOptions{})

	if _, err := s.UpdateStatus(ctx, "alice", created.ID, InProgress, UpdateOptions{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.UpdateStatus(ctx, "alice", created.ID, InProgress, UpdateOptions{Reopen: true}); err != nil {
		t.Errorf("reopen rejected: %v", err)
	}
}

func TestUpdateContext_MergeAndRemove(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	initial := NewDocument()
	initial.Set("a", Number(1))
	initial.Set("scratch", String("tmp"))
	created, _ := s.Create(ctx, "alice", "task", initial)

	patch := NewDocument()
	patch.Set("a", Number(2))
	patch.Set("b", Number(3))
	got, err := s.UpdateContext(ctx, "alice", created.ID, patch, []string{"scratch"}, UpdateOptions{})
	if err != nil {
		t.Fatalf("UpdateContext: %v", err)
	}
	if got.Context.String() != `{"a":2,"b":3}` {
		t.Errorf("context = %s", got.Context)
	}
}

func TestUpdate_ExpectedVersionRejectsStale(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, "alice", "task", nil)
	patch := NewDocument()
	patch.Set("k", String("v"))

	if _, err := s.UpdateContext(ctx, "alice", created.ID, patch, nil, UpdateOptions{ExpectedVersion: 1}); err != nil {
		t.Fatalf("first versioned update: %v", err)
	}
	_, err := s.UpdateContext(ctx, "alice", created.ID, patch, nil, UpdateOptions{ExpectedVersion: 1})
	if !errors.Is(err, ErrStaleWrite) {
		t.Errorf("error = %v, want ErrStaleWrite", err)
	}
}

// racingBackend lets another writer win the first conflicts updates.
type racingBackend struct {
	*storage.Store
	conflicts int
	calls     int
}

func (b *racingBackend) UpdateTask(ctx context.Context, t storage.Task) error {
	b.calls++
	if b.calls <= b.conflicts {
		return storage.ErrVersionConflict
	}
	return b.Store.UpdateTask(ctx, t)
}

func TestUpdate_RetriesOnConflict(t *testing.T) {
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	backend := &racingBackend{Store: db, conflicts: 1}
	s := NewStore(backend)
	created, _ := s.Create(ctx, "alice", "task", nil)

	if _, err := s.UpdateStatus(ctx, "alice", created.ID, Waiting, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateStatus after a conflict: %v", err)
	}
	if backend.calls != 2 {
		t.Errorf("UpdateTask calls = %d, want 2", backend.calls)
	}

	backend.calls, backend.conflicts = 0, maxMergeAttempts
	_, err = s.UpdateStatus(ctx, "alice", created.ID, Completed, UpdateOptions{})
	if !errors.Is(err, ErrStaleWrite) {
		t.Errorf("error = %v, want ErrStaleWrite", err)
	}
}
