// Package api serves the HTTP and MCP surfaces: chat turns, notifications,
// tasks, instructions, retrieval and capability links.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/attache/internal/agent"
	"github.com/kalambet/attache/internal/capability"
	"github.com/kalambet/attache/internal/ingest"
	"github.com/kalambet/attache/internal/instruction"
	"github.com/kalambet/attache/internal/notify"
	"github.com/kalambet/attache/internal/orchestrator"
	"github.com/kalambet/attache/internal/retrieval"
	"github.com/kalambet/attache/internal/storage"
	"github.com/kalambet/attache/internal/task"
	"github.com/kalambet/attache/internal/tools"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Chat starts and runs conversation turns; *agent.Chat implements it.
type Chat interface {
	Dispatch(ctx context.Context, owner, message string) (string, error)
	Respond(ctx context.Context, owner, message string) (string, agent.Outcome, error)
}

type History interface {
	RecentTurns(ctx context.Context, owner string, n int) ([]storage.Turn, error)
}

type Subscriber interface {
	Subscribe(owner string) (<-chan notify.Event, func())
}

type Instructions interface {
	Create(ctx context.Context, owner, description string) (instruction.Instruction, error)
	Get(ctx context.Context, owner, id string) (instruction.Instruction, error)
	List(ctx context.Context, owner string, activeOnly bool) ([]instruction.Instruction, error)
	Update(ctx context.Context, owner, id string, description *string, active *bool) (instruction.Instruction, error)
}

type Retriever interface {
	Query(ctx context.Context, owner, text string, opts retrieval.QueryOptions) ([]retrieval.Hit, error)
}

type JobQueue interface {
	ingest.Enqueuer
	GetJob(ctx context.Context, id string) (storage.Job, error)
}

type EventRecorder interface {
	Record(ctx context.Context, owner string, e capability.Event) (capability.Event, error)
}

type Links interface {
	LinkCapability(ctx context.Context, l storage.CapabilityLink) error
	UnlinkCapability(ctx context.Context, owner, capability string) error
	ListLinks(ctx context.Context, owner string) ([]storage.CapabilityLink, error)
}

type Orchestrator interface {
	RunOwner(ctx context.Context, owner string) (orchestrator.OwnerReport, error)
}

// Deps holds the handler's collaborators. Metrics, Events and Orchestrator
// are optional.
type Deps struct {
	Token        string
	Chat         Chat
	History      History
	Notify       Subscriber
	Tasks        tools.TaskStore
	Instructions Instructions
	Retriever    Retriever
	Jobs         JobQueue
	Events       EventRecorder
	Links        Links
	Orchestrator Orchestrator

	// MinSimilarity is the recall threshold when a request omits one.
	MinSimilarity float32

	Metrics           http.Handler
	MetricsMiddleware func(http.Handler) http.Handler

	// HeartbeatInterval for /v1/events; 0 means 15s.
	HeartbeatInterval time.Duration
}

// NewHandler returns the root router. /health and /metrics are open; every
// /v1 route needs the bearer token and an owner header.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	if deps.MetricsMiddleware != nil {
		r.Use(deps.MetricsMiddleware)
	}

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(RequireOwner)

		r.Post("/turns", handlePostTurn(deps))
		r.Get("/turns", handleListTurns(deps))
		r.Get("/events", handleEvents(deps))
		r.Post("/events/inbound", handleInboundEvent(deps))
		r.Post("/chat/completions", handleChatCompletions(deps))

		r.Get("/tasks", handleListTasks(deps))
		r.Post("/tasks", handleCreateTask(deps))
		r.Get("/tasks/{id}", handleGetTask(deps))
		r.Patch("/tasks/{id}", handlePatchTask(deps))

		r.Get("/instructions", handleListInstructions(deps))
		r.Post("/instructions", handleCreateInstruction(deps))
		r.Get("/instructions/{id}", handleGetInstruction(deps))
		r.Patch("/instructions/{id}", handlePatchInstruction(deps))

		r.Post("/recall", handleRecall(deps))
		r.Post("/ingest", handleIngest(deps))
		r.Get("/ingest/{id}", handleIngestStatus(deps))

		r.Get("/links", handleListLinks(deps))
		r.Post("/links", handleLink(deps))
		r.Delete("/links/{capability}", handleUnlink(deps))

		r.Post("/orchestrate", handleOrchestrate(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

// storeError maps not-found and validation failures from the stores onto
// HTTP status codes.
func storeError(w http.ResponseWriter, what string, err error) {
	switch {
	case isNotFound(err):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case isConflict(err):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case isInvalid(err):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", what, err)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func isConflict(err error) bool {
	return errors.Is(err, task.ErrStaleWrite) || errors.Is(err, storage.ErrVersionConflict)
}

func isInvalid(err error) bool {
	return errors.Is(err, task.ErrInvalidTransition) || errors.Is(err, task.ErrInvalidStatus) || errors.Is(err, instruction.ErrInvalid)
}
