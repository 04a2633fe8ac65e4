// Package instruction manages owners' standing rules and evaluates them
// against new external events, spawning tasks where a rule fires.
package instruction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/attache/internal/storage"
)

// ErrInvalid marks rejected input such as a blank description.
var ErrInvalid = errors.New("invalid instruction")

// Backend is the storage surface for instructions.
type Backend interface {
	CreateInstruction(ctx context.Context, in storage.Instruction) error
	GetInstruction(ctx context.Context, owner, id string) (storage.Instruction, error)
	ListInstructions(ctx context.Context, owner string, activeOnly bool) ([]storage.Instruction, error)
	UpdateInstruction(ctx context.Context, owner, id string, description *string, active *bool) (storage.Instruction, error)
}

// Instruction is a standing rule, e.g. "when someone new emails me, add
// them to the CRM".
type Instruction struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func fromRow(r storage.Instruction) Instruction {
	return Instruction(r)
}

// Store is the owner-facing CRUD surface. Only description and the active
// flag can change after creation.
type Store struct {
	backend Backend
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

func (s *Store) Create(ctx context.Context, owner, description string) (Instruction, error) {
	description = strings.TrimSpace(description)
	if owner == "" {
		return Instruction{}, fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	if description == "" {
		return Instruction{}, fmt.Errorf("%w: description is required", ErrInvalid)
	}
	now := time.Now().UTC()
	row := storage.Instruction{
		ID:          uuid.New().String(),
		Owner:       owner,
		Description: description,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.backend.CreateInstruction(ctx, row); err != nil {
		return Instruction{}, fmt.Errorf("creating instruction: %w", err)
	}
	return fromRow(row), nil
}

func (s *Store) Get(ctx context.Context, owner, id string) (Instruction, error) {
	row, err := s.backend.GetInstruction(ctx, owner, id)
	if err != nil {
		return Instruction{}, err
	}
	return fromRow(row), nil
}

// List returns the owner's instructions, oldest first.
func (s *Store) List(ctx context.Context, owner string, activeOnly bool) ([]Instruction, error) {
	rows, err := s.backend.ListInstructions(ctx, owner, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("listing instructions: %w", err)
	}
	out := make([]Instruction, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

// Update edits the description and/or active flag; nil leaves a field as is.
func (s *Store) Update(ctx context.Context, owner, id string, description *string, active *bool) (Instruction, error) {
	if description != nil {
		d := strings.TrimSpace(*description)
		if d == "" {
			return Instruction{}, fmt.Errorf("%w: description is required", ErrInvalid)
		}
		description = &d
	}
	row, err := s.backend.UpdateInstruction(ctx, owner, id, description, active)
	if err != nil {
		return Instruction{}, err
	}
	return fromRow(row), nil
}
