package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kalambet/attache/internal/agent"
	"github.com/kalambet/attache/internal/llm"
)

// handleChatCompletions offers a synchronous turn in the OpenAI chat format
// so existing chat clients can talk to the assistant. Only the last user
// message is used; history comes from the owner's stored conversation.
func handleChatCompletions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Stream {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "streaming is not supported; subscribe to /v1/events instead")
			return
		}
		message := lastUserMessage(req.Messages)
		if message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages must contain a non-empty user message")
			return
		}

		turnID, out, err := deps.Chat.Respond(r.Context(), ownerFrom(r.Context()), message)
		if err != nil {
			var pe *llm.ProviderError
			switch {
			case errors.Is(err, agent.ErrIterationLimit):
				httpError(w, http.StatusUnprocessableEntity, "iteration_limit", "%v", err)
			case errors.As(err, &pe):
				httpError(w, http.StatusBadGateway, "api_error", "upstream error: %v", err)
			default:
				httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			}
			return
		}

		writeJSON(w, http.StatusOK, openai.ChatCompletionResponse{
			ID:      turnID,
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Index:        0,
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: out.Content},
				FinishReason: openai.FinishReasonStop,
			}},
		})
	}
}

func lastUserMessage(msgs []openai.ChatCompletionMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != openai.ChatMessageRoleUser {
			continue
		}
		if text := strings.TrimSpace(msgs[i].Content); text != "" {
			return text
		}
		var parts []string
		for _, p := range msgs[i].MultiContent {
			if p.Type == openai.ChatMessagePartTypeText && strings.TrimSpace(p.Text) != "" {
				parts = append(parts, p.Text)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	}
	return ""
}
