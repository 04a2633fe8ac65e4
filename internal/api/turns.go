package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/attache/internal/storage"
)

const defaultHeartbeat = 15 * time.Second

type turnRequest struct {
	Message string `json:"message"`
}

type turnView struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// handlePostTurn starts a turn and returns at once; the outcome arrives on
// /v1/events as turn.complete or turn.failed.
func handlePostTurn(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req turnRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		turnID, err := deps.Chat.Dispatch(r.Context(), ownerFrom(r.Context()), req.Message)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start turn: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"turn_id": turnID, "status": "accepted"})
	}
}

func handleListTurns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 200)
		turns, err := deps.History.RecentTurns(r.Context(), ownerFrom(r.Context()), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list turns: %v", err)
			return
		}
		out := make([]turnView, 0, len(turns))
		for _, t := range turns {
			out = append(out, viewTurn(t))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func viewTurn(t storage.Turn) turnView {
	return turnView{ID: t.ID, Role: t.Role, Content: t.Content, CreatedAt: t.CreatedAt}
}

// handleEvents streams the owner's notifications as server-sent events
// until the client disconnects.
func handleEvents(deps Deps) http.HandlerFunc {
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
			return
		}
		owner := ownerFrom(r.Context())
		events, cancel := deps.Notify.Subscribe(owner)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					slog.Warn("encoding notification", "owner", owner, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				flusher.Flush()
			}
		}
	}
}
