package llm

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 120 * time.Second
)

var tracer = otel.Tracer("github.com/kalambet/attache/internal/llm")

// Gateway completes one request. Implementations keep no conversation state.
type Gateway interface {
	Complete(ctx context.Context, req Request) (Reply, error)
}

// Observer receives per-call latency; metrics.Metrics implements it.
type Observer interface {
	ObserveCompletion(model string, d time.Duration, err error)
}

// Config configures an OpenAIGateway.
type Config struct {
	BaseURL string
	APIKey  string
	// Referer and Title are sent as OpenRouter attribution headers when set.
	Referer string
	Title   string
	Timeout time.Duration
}

// OpenAIGateway talks to any OpenAI-compatible chat completions endpoint.
// It never retries: a failed call fails the caller's turn.
type OpenAIGateway struct {
	client   *openai.Client
	observer Observer
}

func NewOpenAIGateway(cfg Config) *OpenAIGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &headerTransport{base: http.DefaultTransport, referer: cfg.Referer, title: cfg.Title},
	}
	return &OpenAIGateway{client: openai.NewClientWithConfig(oc)}
}

// SetObserver attaches a latency observer.
func (g *OpenAIGateway) SetObserver(o Observer) { g.observer = o }

// Complete sends the full message history and tool set and returns the
// model's decision.
func (g *OpenAIGateway) Complete(ctx context.Context, req Request) (reply Reply, err error) {
	ctx, span := tracer.Start(ctx, "llm.complete")
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
		attribute.Int("llm.tools", len(req.Tools)),
	)
	start := time.Now()
	defer func() {
		if g.observer != nil {
			g.observer.ObserveCompletion(req.Model, time.Since(start), err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Tools:       toOpenAITools(req.Tools),
		Temperature: wireTemperature(req.Temperature),
	})
	if err != nil {
		return Reply{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, ErrMalformedResponse
	}

	msg := resp.Choices[0].Message
	reply = Reply{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if reply.Content == "" && len(reply.ToolCalls) == 0 {
		return Reply{}, ErrMalformedResponse
	}
	span.SetAttributes(attribute.Int("llm.tool_calls", len(reply.ToolCalls)))
	return reply, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(defs []ToolDef) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(defs))
	for i, d := range defs {
		params := d.Parameters
		if len(params) == 0 || !json.Valid(params) {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

// headerTransport adds OpenRouter attribution headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.referer == "" && t.title == "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	return t.base.RoundTrip(req)
}

// IsProviderError reports whether err is (or wraps) a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// wireTemperature keeps an explicit zero on the wire. The client omits a
// zero temperature, which providers read as their default.
func wireTemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}
