package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/attache/internal/instruction"
)

type createInstructionRequest struct {
	Description string `json:"description"`
}

type patchInstructionRequest struct {
	Description *string `json:"description,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

// handleListInstructions lists every instruction; ?active=true keeps only
// active ones.
func handleListInstructions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		activeOnly := r.URL.Query().Get("active") == "true"
		list, err := deps.Instructions.List(r.Context(), ownerFrom(r.Context()), activeOnly)
		if err != nil {
			storeError(w, "instructions", err)
			return
		}
		if list == nil {
			list = []instruction.Instruction{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleCreateInstruction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createInstructionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		in, err := deps.Instructions.Create(r.Context(), ownerFrom(r.Context()), req.Description)
		if err != nil {
			storeError(w, "instruction", err)
			return
		}
		writeJSON(w, http.StatusCreated, in)
	}
}

func handleGetInstruction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := deps.Instructions.Get(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, "instruction", err)
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

func handlePatchInstruction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req patchInstructionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Description == nil && req.Active == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "nothing to update")
			return
		}
		in, err := deps.Instructions.Update(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"), req.Description, req.Active)
		if err != nil {
			storeError(w, "instruction", err)
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}
