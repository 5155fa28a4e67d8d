package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/annotd/internal/docstore"
	"github.com/kalambet/annotd/internal/router"
	"github.com/kalambet/annotd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Registry *storage.Store
	Router   *router.Router
}

func (d MCPDeps) stats() Stats {
	return Stats{Registry: d.Registry, Router: d.Router}
}

// NewMCPServer creates an MCP server exposing read-only annotd tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"annotd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("annotd: registered conversation stores and annotation progress."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_stores",
			mcp.WithDescription("List the registered conversation stores."),
		),
		mcpListStores(deps),
	)

	s.AddTool(
		mcp.NewTool("active_store",
			mcp.WithDescription("Show the store requests are routed to, for one user or process-wide."),
			mcp.WithString("userId", mcp.Description("User id; omit for the process-wide store")),
		),
		mcpActiveStore(deps),
	)

	s.AddTool(
		mcp.NewTool("completion_status",
			mcp.WithDescription("Count annotated, in-progress and unannotated conversations."),
			mcp.WithString("storeId", mcp.Description("Store id; omit for the active store")),
			mcp.WithString("userId", mcp.Description("User id; omit for one row per user")),
		),
		mcpCompletionStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("label_distribution",
			mcp.WithDescription("Count answered and unanswered annotations per label."),
			mcp.WithString("storeId", mcp.Description("Store id; omit for the active store")),
		),
		mcpLabelDistribution(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"annotd://stores",
			"Registered Stores",
			mcp.WithResourceDescription("Registered conversation stores as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStores(deps),
	)

	return s
}

// redactedStore is a registry record safe to hand to a model.
type redactedStore struct {
	ID          string `json:"id"`
	URI         string `json:"uri"`
	StoreID     string `json:"storeId"`
	ContainerID string `json:"containerId"`
	Name        string `json:"name"`
}

func redact(d storage.StoreDescriptor) redactedStore {
	return redactedStore{URI: docstore.Redact(d.URI), StoreID: d.StoreID, ContainerID: d.ContainerID, Name: d.Name}
}

func listRedacted(ctx context.Context, deps MCPDeps) ([]redactedStore, error) {
	recs, err := deps.Registry.ListStores(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]redactedStore, 0, len(recs))
	for _, rec := range recs {
		rs := redact(rec.StoreDescriptor)
		rs.ID = rec.ID
		out = append(out, rs)
	}
	return out, nil
}

func mcpListStores(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stores, err := listRedacted(ctx, deps)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list stores: %v", err)), nil
		}
		if len(stores) == 0 {
			return mcpText("No stores registered."), nil
		}
		return mcpJSON(stores)
	}
}

func mcpActiveStore(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		d := deps.Router.Resolve(ctx, req.GetString("userId", ""))
		return mcpJSON(redact(d))
	}
}

func mcpCompletionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		storeID := req.GetString("storeId", "")
		userID := req.GetString("userId", "")
		if userID == "" {
			rows, err := deps.stats().Dashboard(ctx, storeID)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to compute completion: %v", err)), nil
			}
			return mcpJSON(rows)
		}
		st, err := deps.stats().UserCompletion(ctx, storeID, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute completion: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpLabelDistribution(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		counts, err := deps.stats().Labels(ctx, req.GetString("storeId", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count labels: %v", err)), nil
		}
		if len(counts) == 0 {
			return mcpText("No annotations found."), nil
		}
		return mcpJSON(counts)
	}
}

func mcpResourceStores(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stores, err := listRedacted(ctx, deps)
		if err != nil {
			return nil, fmt.Errorf("failed to list stores: %w", err)
		}

		b, err := json.Marshal(stores)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stores: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
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
