package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/attest/internal/documents"
	"github.com/kalambet/attest/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Answerer  Answerer
	Documents *documents.Service
}

// NewMCPServer creates an MCP server exposing answer suggestion, document
// status and knowledge search. Every tool takes an explicit tenant_id.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"attest",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("attest answers security questionnaires from a tenant's approved policies and past answers."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("suggest_answer",
			mcp.WithDescription("Draft an answer to a questionnaire question from the tenant's knowledge base, with citations and confidence."),
			mcp.WithString("tenant_id", mcp.Description("Tenant the knowledge base belongs to"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpSuggestAnswer(deps),
	)

	s.AddTool(
		mcp.NewTool("document_status",
			mcp.WithDescription("Report the processing status, artifacts and jobs of a document version."),
			mcp.WithString("tenant_id", mcp.Description("Tenant that owns the document"), mcp.Required()),
			mcp.WithString("version_id", mcp.Description("Document version ID"), mcp.Required()),
		),
		mcpDocumentStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Return the policy chunks most similar to a query, without drafting an answer."),
			mcp.WithString("tenant_id", mcp.Description("Tenant the knowledge base belongs to"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchKnowledge(deps),
	)

	return s
}

func mcpSuggestAnswer(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant_id")
		if err != nil {
			return mcpError("tenant_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil || question == "" {
			return mcpError("question is required"), nil
		}

		ans, err := deps.Answerer.Suggest(ctx, tenant, question)
		if err != nil {
			return mcpError(fmt.Sprintf("suggest failed: %v", err)), nil
		}
		return mcpJSON(toSuggestResponse(ans))
	}
}

func mcpDocumentStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant_id")
		if err != nil {
			return mcpError("tenant_id is required"), nil
		}
		versionID, err := req.RequireString("version_id")
		if err != nil {
			return mcpError("version_id is required"), nil
		}

		view, err := deps.Documents.GetVersion(ctx, tenant, versionID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("version %s not found", versionID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading version: %v", err)), nil
		}
		return mcpJSON(toVersionView(view))
	}
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant_id")
		if err != nil {
			return mcpError("tenant_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		hits, err := deps.Answerer.Search(ctx, tenant, query, clampLimit(req.GetInt("limit", 0)))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(toHits(hits))
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
