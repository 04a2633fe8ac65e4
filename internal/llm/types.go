// Package llm is the stateless gateway to an OpenAI-compatible chat
// completion provider with function-calling support.
package llm

import "encoding/json"

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in the conversation sent to the model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model request to invoke a tool. Arguments is the raw JSON
// text the model produced and may be malformed.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDef describes a tool offered to the model. Parameters is a JSON Schema object.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a single completion call. The gateway keeps no state between calls.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDef
	Temperature float32 // zero is sent, not left to the provider default
}

// Reply carries either final content or tool calls (or both).
type Reply struct {
	Content   string
	ToolCalls []ToolCall
}

// HasToolCalls reports whether the model asked for tools.
func (r Reply) HasToolCalls() bool { return len(r.ToolCalls) > 0 }
