package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/attache/internal/task"
)

type createTaskRequest struct {
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
}

type patchTaskRequest struct {
	Status          string         `json:"status,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Reopen          bool           `json:"reopen,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	Remove          []string       `json:"remove,omitempty"`
	ExpectedVersion int            `json:"expected_version,omitempty"`
}

// handleListTasks filters by ?status=a,b; no filter lists every status.
func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var statuses []task.Status
		if raw := r.URL.Query().Get("status"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				st, err := task.ParseStatus(s)
				if err != nil {
					httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
					return
				}
				statuses = append(statuses, st)
			}
		}
		tasks, err := deps.Tasks.ListByStatus(r.Context(), ownerFrom(r.Context()), statuses...)
		if err != nil {
			storeError(w, "tasks", err)
			return
		}
		if tasks == nil {
			tasks = []task.Task{}
		}
		writeJSON(w, http.StatusOK, tasks)
	}
}

func handleCreateTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTaskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Description) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "description is required")
			return
		}
		var initial *task.Document
		if len(req.Context) > 0 {
			initial = task.DocumentFromMap(req.Context)
		}
		t, err := deps.Tasks.Create(r.Context(), ownerFrom(r.Context()), req.Description, initial)
		if err != nil {
			storeError(w, "task", err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Tasks.Get(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, "task", err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// handlePatchTask applies a context merge and then a status change; either
// may be omitted.
func handlePatchTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req patchTaskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Status == "" && len(req.Context) == 0 && len(req.Remove) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "nothing to update")
			return
		}
		owner, id := ownerFrom(r.Context()), chi.URLParam(r, "id")
		opts := task.UpdateOptions{ExpectedVersion: req.ExpectedVersion, Reason: req.Reason, Reopen: req.Reopen}

		var status task.Status
		if req.Status != "" {
			st, err := task.ParseStatus(req.Status)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			status = st
		}

		var (
			t   task.Task
			err error
		)
		if len(req.Context) > 0 || len(req.Remove) > 0 {
			t, err = deps.Tasks.UpdateContext(r.Context(), owner, id, task.DocumentFromMap(req.Context), req.Remove, opts)
			if err != nil {
				storeError(w, "task", err)
				return
			}
			if opts.ExpectedVersion != 0 {
				opts.ExpectedVersion = t.Version
			}
		}
		if status != "" {
			t, err = deps.Tasks.UpdateStatus(r.Context(), owner, id, status, opts)
			if err != nil {
				storeError(w, "task", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, t)
	}
}
