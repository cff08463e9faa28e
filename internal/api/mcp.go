package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/orbgame/storycache/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store        *storage.Store
	Provider     StoryProvider
	DefaultModel string
	DefaultCount int
	MaxCount     int
}

// NewMCPServer creates an MCP server exposing the story cache as tools and
// resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"storycache",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("storycache — cached positive news stories by category, epoch, language, and model."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_stories",
			mcp.WithDescription("Fetch stories for a category and epoch, generating fresh ones when the cache runs short."),
			mcp.WithString("category", mcp.Description("Story category (e.g. Technology, Science)"), mcp.Required()),
			mcp.WithString("epoch", mcp.Description("Historical epoch (e.g. Ancient, Modern, Future)"), mcp.Required()),
			mcp.WithString("language", mcp.Description("Language code (default en)")),
			mcp.WithString("model", mcp.Description("Generation model (default configured model)")),
			mcp.WithNumber("count", mcp.Description("Number of stories to return")),
		),
		mcpGetStories(deps),
	)

	s.AddTool(
		mcp.NewTool("cache_stats",
			mcp.WithDescription("Report story and audio cache statistics."),
		),
		mcpCacheStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"cache://stats",
			"Cache Statistics",
			mcp.WithResourceDescription("Current story cache statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpGetStories(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		category, err := req.RequireString("category")
		if err != nil {
			return mcpError("category is required"), nil
		}
		epoch, err := req.RequireString("epoch")
		if err != nil {
			return mcpError("epoch is required"), nil
		}

		key := storage.Key{
			Category: category,
			Epoch:    epoch,
			Language: req.GetString("language", "en"),
			Model:    req.GetString("model", deps.DefaultModel),
		}

		count := req.GetInt("count", deps.DefaultCount)
		if count <= 0 {
			count = deps.DefaultCount
		}
		if count > deps.MaxCount {
			count = deps.MaxCount
		}

		stories, err := deps.Provider.Obtain(ctx, key, count)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to obtain stories: %v", err)), nil
		}

		if len(stories) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(stories)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stories: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpCacheStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Store.CacheStats()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute stats: %v", err)), nil
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Store.CacheStats()
		if err != nil {
			return nil, fmt.Errorf("failed to compute stats: %w", err)
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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
