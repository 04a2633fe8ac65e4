package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/attache/internal/agent"
	"github.com/kalambet/attache/internal/task"
	"github.com/kalambet/attache/internal/tools"
)

// MCPChat runs a synchronous turn; *agent.Chat implements it.
type MCPChat interface {
	Respond(ctx context.Context, owner, message string) (string, agent.Outcome, error)
}

// MCPDeps holds dependencies for the MCP server. The stdio transport has no
// per-request identity, so every call acts for Owner.
type MCPDeps struct {
	Owner    string
	Registry *tools.Registry
	Chat     MCPChat         // optional; if nil, the ask tool is not offered
	Tasks    tools.TaskStore // optional; if nil, the tasks resource is not offered
	Version  string
}

// NewMCPServer exposes every registry tool under its own name and schema,
// plus an ask tool that runs a full assistant turn.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"attache",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("attache: a personal assistant that remembers context, tracks tasks and acts on mail, calendar and CRM."),
		server.WithRecovery(),
	)

	for _, def := range deps.Registry.Definitions() {
		s.AddTool(mcp.NewToolWithRawSchema(def.Name, def.Description, def.Parameters), mcpRegistryTool(deps, def.Name))
	}

	if deps.Chat != nil {
		s.AddTool(
			mcp.NewTool("ask",
				mcp.WithDescription("Ask the assistant. It answers from stored context and may use its tools, creating tasks for work it cannot finish now."),
				mcp.WithString("message", mcp.Description("What to ask or ask for"), mcp.Required()),
			),
			mcpAsk(deps),
		)
	}

	if deps.Tasks != nil {
		s.AddResource(
			mcp.NewResource(
				"attache://tasks/open",
				"Open Tasks",
				mcp.WithResourceDescription("Tasks in progress or waiting, as JSON"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceOpenTasks(deps),
		)
	}

	return s
}

func mcpRegistryTool(deps MCPDeps, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		res := deps.Registry.Execute(ctx, deps.Owner, name, string(raw))
		if res.IsError {
			return mcpError(res.Content), nil
		}
		return mcpText(res.Content), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		_, out, err := deps.Chat.Respond(ctx, deps.Owner, message)
		if err != nil {
			return mcpError(fmt.Sprintf("turn failed: %v", err)), nil
		}
		return mcpText(out.Content), nil
	}
}

func mcpResourceOpenTasks(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		open, err := deps.Tasks.ListByStatus(ctx, deps.Owner, task.InProgress, task.Waiting)
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks: %w", err)
		}
		if open == nil {
			open = []task.Task{}
		}
		b, err := json.Marshal(open)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tasks: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
