package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/attache/internal/capability"
	"github.com/kalambet/attache/internal/ingest"
	"github.com/kalambet/attache/internal/retrieval"
	"github.com/kalambet/attache/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB

const maxRecallK = 50

type recallRequest struct {
	Query         string   `json:"query"`
	K             int      `json:"k,omitempty"`
	Sources       []string `json:"sources,omitempty"`
	MinSimilarity *float32 `json:"min_similarity,omitempty"`
}

type linkRequest struct {
	Capability string `json:"capability"`
}

type linkView struct {
	Capability string    `json:"capability"`
	LinkedAt   time.Time `json:"linked_at"`
}

func handleRecall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req recallRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if req.K > maxRecallK {
			req.K = maxRecallK
		}
		threshold := deps.MinSimilarity
		if req.MinSimilarity != nil {
			threshold = *req.MinSimilarity
		}
		if threshold < 0 || threshold > 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "min_similarity must be within [0,1]")
			return
		}
		hits, err := deps.Retriever.Query(r.Context(), ownerFrom(r.Context()), req.Query, retrieval.QueryOptions{
			K:             req.K,
			Sources:       req.Sources,
			MinSimilarity: threshold,
		})
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "recall failed: %v", err)
			return
		}
		if hits == nil {
			hits = []retrieval.Hit{}
		}
		writeJSON(w, http.StatusOK, hits)
	}
}

// handleIngest queues content for the background worker. Data is base64 in
// JSON, as encoding/json does for []byte.
func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req ingest.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		id, err := ingest.Enqueue(r.Context(), deps.Jobs, ownerFrom(r.Context()), req)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
	}
}

func handleIngestStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil || job.Owner != ownerFrom(r.Context()) || job.Type != ingest.JobType {
			if err == nil || errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "ingest job not found")
				return
			}
			storeError(w, "ingest job", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         job.ID,
			"status":     job.Status,
			"attempts":   job.Attempts,
			"last_error": job.LastError,
			"updated_at": job.UpdatedAt,
		})
	}
}

// handleInboundEvent lets integrations without a bridge push events that
// the next orchestration pass will see.
func handleInboundEvent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Events == nil {
			httpError(w, http.StatusNotFound, "not_found", "inbound events are not enabled")
			return
		}
		var ev capability.Event
		if !decodeBody(w, r, &ev) {
			return
		}
		stored, err := deps.Events.Record(r.Context(), ownerFrom(r.Context()), ev)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, stored)
	}
}

func handleListLinks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		links, err := deps.Links.ListLinks(r.Context(), ownerFrom(r.Context()))
		if err != nil {
			storeError(w, "links", err)
			return
		}
		out := make([]linkView, 0, len(links))
		for _, l := range links {
			out = append(out, linkView{Capability: l.Capability, LinkedAt: l.LinkedAt})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleLink(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req linkRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if !capability.Known(req.Capability) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown capability %q", req.Capability)
			return
		}
		link := storage.CapabilityLink{Owner: ownerFrom(r.Context()), Capability: req.Capability, LinkedAt: time.Now().UTC()}
		if err := deps.Links.LinkCapability(r.Context(), link); err != nil {
			storeError(w, "link", err)
			return
		}
		writeJSON(w, http.StatusCreated, linkView{Capability: link.Capability, LinkedAt: link.LinkedAt})
	}
}

func handleUnlink(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Links.UnlinkCapability(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "capability")); err != nil {
			storeError(w, "link", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleOrchestrate runs one owner's pass synchronously. The pass is
// detached from the request so a disconnect does not abandon it half way.
func handleOrchestrate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Orchestrator == nil {
			httpError(w, http.StatusNotFound, "not_found", "orchestration is not enabled")
			return
		}
		rep, err := deps.Orchestrator.RunOwner(context.WithoutCancel(r.Context()), ownerFrom(r.Context()))
		if err != nil && rep.PassID == "" {
			httpError(w, http.StatusInternalServerError, "api_error", "orchestration failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}
