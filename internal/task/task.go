// Package task holds the deferred-work model: tasks with a soft status
// machine and a schema-less, mergeable context document.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/attache/internal/storage"
)

// Status is the lifecycle state of a task.
type Status string

const (
	InProgress Status = "in_progress"
	Waiting    Status = "waiting"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// Statuses lists every valid status.
var Statuses = []Status{InProgress, Waiting, Completed, Failed}

var (
	// ErrNotFound is returned when the task does not exist for the owner.
	ErrNotFound = storage.ErrNotFound

	// ErrStaleWrite is returned when an update lost a race with another writer.
	ErrStaleWrite = errors.New("task was modified concurrently")

	// ErrInvalidTransition is returned by strict stores for disallowed status changes.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidStatus is returned for unknown status names.
	ErrInvalidStatus = errors.New("invalid status")
)

// ParseStatus accepts the canonical names plus the common spellings models
// produce ("InProgress", "in progress", "COMPLETED").
func ParseStatus(s string) (Status, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	switch norm {
	case "in_progress", "inprogress", "active":
		return InProgress, nil
	case "waiting", "wait", "blocked":
		return Waiting, nil
	case "completed", "complete", "done":
		return Completed, nil
	case "failed", "fail", "error":
		return Failed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Terminal reports whether s ends the task's life (Completed or Failed).
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// ValidateTransition rejects leaving a terminal state unless reopen is set.
// Staying in the same state is always allowed.
func ValidateTransition(from, to Status, reopen bool) error {
	if from == to || !from.Terminal() || reopen {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s without reopen", ErrInvalidTransition, from, to)
}

// Task is a deferred unit of agent work.
type Task struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Context     *Document `json:"context"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func fromRow(r storage.Task) (Task, error) {
	doc, err := ParseDocument([]byte(r.ContextJSON))
	if err != nil {
		return Task{}, fmt.Errorf("task %s: %w", r.ID, err)
	}
	return Task{
		ID:          r.ID,
		Owner:       r.Owner,
		Description: r.Description,
		Status:      Status(r.Status),
		Context:     doc,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func (t Task) toRow() storage.Task {
	return storage.Task{
		ID:          t.ID,
		Owner:       t.Owner,
		Description: t.Description,
		Status:      string(t.Status),
		ContextJSON: t.Context.String(),
		Version:     t.Version,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}
