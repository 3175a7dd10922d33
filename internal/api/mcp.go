package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/yonaka/researchd/internal/research"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service *research.Service
}

// NewMCPServer creates an MCP server exposing the research lifecycle as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"researchd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("researchd — background research assistant with revisioned snapshots and an event log."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("create_research",
			mcp.WithDescription("Start a background research task. Returns immediately with the pending snapshot; poll get_research or list_research_events for progress."),
			mcp.WithString("query", mcp.Description("The research question"), mcp.Required()),
			mcp.WithString("selected_text", mcp.Description("Optional text selection providing context")),
			mcp.WithString("voice_command", mcp.Description("Optional voice command that triggered the research")),
		),
		mcpCreateResearch(deps),
	)

	s.AddTool(
		mcp.NewTool("get_research",
			mcp.WithDescription("Fetch the current snapshot of a research task."),
			mcp.WithString("id", mcp.Description("Research id"), mcp.Required()),
		),
		mcpGetResearch(deps),
	)

	s.AddTool(
		mcp.NewTool("re_execute_research",
			mcp.WithDescription("Reset a research task to pending and run it again, clearing previous results and errors."),
			mcp.WithString("id", mcp.Description("Research id"), mcp.Required()),
		),
		mcpReExecuteResearch(deps),
	)

	s.AddTool(
		mcp.NewTool("list_research_events",
			mcp.WithDescription("List the persisted events of a research task, optionally only those after a given revision."),
			mcp.WithString("id", mcp.Description("Research id"), mcp.Required()),
			mcp.WithNumber("since_revision", mcp.Description("Return only events with revision greater than this (default 0)")),
		),
		mcpListResearchEvents(deps),
	)

	return s
}

func mcpCreateResearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		snapshot, err := deps.Service.Create(ctx, research.CreateInput{
			Query:        query,
			SelectedText: req.GetString("selected_text", ""),
			VoiceCommand: req.GetString("voice_command", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create research: %v", err)), nil
		}

		return mcpJSON(snapshot)
	}
}

func mcpGetResearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		snapshot, err := deps.Service.Get(ctx, id)
		if errors.Is(err, research.ErrNotFound) {
			return mcpError(fmt.Sprintf("research %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get research: %v", err)), nil
		}

		return mcpJSON(snapshot)
	}
}

func mcpReExecuteResearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		snapshot, err := deps.Service.ReExecute(ctx, id)
		if errors.Is(err, research.ErrNotFound) {
			return mcpError(fmt.Sprintf("research %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to re-execute research: %v", err)), nil
		}

		return mcpJSON(snapshot)
	}
}

func mcpListResearchEvents(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		sinceRevision := req.GetInt("since_revision", 0)
		if sinceRevision < 0 {
			sinceRevision = 0
		}

		// Existence check first so an unknown id doesn't read as "no events".
		if _, err := deps.Service.Get(ctx, id); err != nil {
			if errors.Is(err, research.ErrNotFound) {
				return mcpError(fmt.Sprintf("research %s not found", id)), nil
			}
			return mcpError(fmt.Sprintf("failed to get research: %v", err)), nil
		}

		events, err := deps.Service.EventsSince(ctx, id, int64(sinceRevision))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list events: %v", err)), nil
		}

		return mcpJSON(events)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
