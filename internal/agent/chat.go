package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/attache/internal/llm"
	"github.com/kalambet/attache/internal/notify"
	"github.com/kalambet/attache/internal/retrieval"
	"github.com/kalambet/attache/internal/storage"
	"github.com/kalambet/attache/internal/tools"
)

// DefaultHistoryWindow is the number of persisted turns sent with each chat turn.
const DefaultHistoryWindow = 10

const chatPreamble = `You are Attaché, an assistant that acts on the user's behalf across their mail, calendar and CRM.
Answer from the user's own data when it is relevant and say so when it is not there.
Use tools to look things up or take actions. When something cannot be finished now (it needs a reply, a later date or another step), create a task for it and tell the user.`

// History is the conversation log.
type History interface {
	AppendTurn(ctx context.Context, t storage.Turn) error
	RecentTurns(ctx context.Context, owner string, n int) ([]storage.Turn, error)
}

// ChatConfig tunes chat turns. Zero fields take defaults.
type ChatConfig struct {
	TopK          int
	MinSimilarity float32
	HistoryWindow int
	Temperature   float32
}

// Chat is the user-facing entry point to the loop.
type Chat struct {
	runner    *Runner
	history   History
	retriever tools.Retriever
	tools     *tools.Registry
	publisher notify.Publisher
	cfg       ChatConfig

	wg sync.WaitGroup
}

func NewChat(runner *Runner, history History, retriever tools.Retriever, registry *tools.Registry, publisher notify.Publisher, cfg ChatConfig) *Chat {
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if publisher == nil {
		publisher = notify.Discard{}
	}
	return &Chat{
		runner:    runner,
		history:   history,
		retriever: retriever,
		tools:     registry,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Dispatch records the user's message and runs the turn in the background,
// returning its id at once. The outcome arrives as a turn.complete or
// turn.failed notification. The turn is detached from ctx's cancellation
// and cannot be cancelled.
func (c *Chat) Dispatch(ctx context.Context, owner, message string) (string, error) {
	turnID, err := c.recordUserMessage(ctx, owner, message)
	if err != nil {
		return "", err
	}

	detached := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.run(detached, owner, turnID, message); err != nil {
			slog.Warn("chat turn failed", "owner", owner, "turn_id", turnID, "error", err)
		}
	}()
	return turnID, nil
}

// Respond is the synchronous form of Dispatch.
func (c *Chat) Respond(ctx context.Context, owner, message string) (string, Outcome, error) {
	turnID, err := c.recordUserMessage(ctx, owner, message)
	if err != nil {
		return "", Outcome{}, err
	}
	out, err := c.run(ctx, owner, turnID, message)
	return turnID, out, err
}

// Wait blocks until every dispatched turn has finished.
func (c *Chat) Wait() {
	c.wg.Wait()
}

func (c *Chat) recordUserMessage(ctx context.Context, owner, message string) (string, error) {
	if owner == "" {
		return "", errors.New("owner is required")
	}
	if strings.TrimSpace(message) == "" {
		return "", errors.New("message is empty")
	}
	turnID := uuid.New().String()
	err := c.history.AppendTurn(ctx, storage.Turn{
		ID:        turnID,
		Owner:     owner,
		Role:      llm.RoleUser,
		Content:   message,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("recording user message: %w", err)
	}
	return turnID, nil
}

// run builds the grounded system message and history, runs the loop, and
// persists exactly one assistant turn on success. Every failure publishes
// turn.failed and persists nothing.
func (c *Chat) run(ctx context.Context, owner, turnID, message string) (Outcome, error) {
	out, err := c.runTurn(ctx, owner, turnID, message)
	if err == nil {
		err = c.history.AppendTurn(ctx, storage.Turn{
			ID:        uuid.New().String(),
			Owner:     owner,
			Role:      llm.RoleAssistant,
			Content:   out.Content,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			err = fmt.Errorf("recording assistant reply: %w", err)
		}
	}
	if err != nil {
		c.publisher.Publish(ctx, owner, notify.Event{Type: notify.TurnFailed, TurnID: turnID, Error: err.Error()})
		return out, err
	}
	c.publisher.Publish(ctx, owner, notify.Event{Type: notify.TurnComplete, TurnID: turnID, Content: out.Content})
	return out, nil
}

func (c *Chat) runTurn(ctx context.Context, owner, turnID, message string) (Outcome, error) {
	hits, err := c.retriever.Query(ctx, owner, message, retrieval.QueryOptions{K: c.cfg.TopK, MinSimilarity: c.cfg.MinSimilarity})
	if err != nil {
		return Outcome{}, fmt.Errorf("retrieving context: %w", err)
	}

	turns, err := c.history.RecentTurns(ctx, owner, c.cfg.HistoryWindow)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading history: %w", err)
	}

	return c.runner.Run(ctx, Turn{
		ID:          turnID,
		Owner:       owner,
		Kind:        "chat",
		System:      GroundedSystemPrompt(chatPreamble, hits),
		History:     historyMessages(turns),
		Tools:       c.tools,
		Temperature: c.cfg.Temperature,
	})
}

// GroundedSystemPrompt appends hits to preamble as numbered, sourced snippets.
func GroundedSystemPrompt(preamble string, hits []retrieval.Hit) string {
	if len(hits) == 0 {
		return preamble
	}
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\nRelevant context from the user's data:\n")
	for i, h := range hits {
		fmt.Fprintf(&b, "[%d] (source: %s, %s) %s\n", i+1, h.Source, h.CreatedAt.Format("2006-01-02"), h.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func historyMessages(turns []storage.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case llm.RoleUser, llm.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
		}
	}
	return msgs
}
