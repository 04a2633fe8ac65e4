package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by UpdateTask when the row changed since it was read.
var ErrVersionConflict = errors.New("version conflict")

// Task is the persisted row behind task.Task. ContextJSON holds the
// encoded context document.
type Task struct {
	ID          string
	Owner       string
	Description string
	Status      string
	ContextJSON string
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Instruction struct {
	ID          string
	Owner       string
	Description string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Turn is one persisted conversation message.
type Turn struct {
	ID         string
	Owner      string
	Role       string // "user", "assistant", "tool"
	Content    string
	ToolCallID string
	CreatedAt  time.Time
}

type Job struct {
	ID          string
	Owner       string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// CapabilityLink records that an owner connected an external capability.
type CapabilityLink struct {
	Owner      string
	Capability string // "mail", "calendar", "crm"
	LinkedAt   time.Time
}

// CapabilityEvent is an inbound external event recorded for later polling.
type CapabilityEvent struct {
	ID          string
	Owner       string
	Capability  string
	Kind        string
	Summary     string
	PayloadJSON string
	OccurredAt  time.Time
}
