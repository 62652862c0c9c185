package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/raildebug/raildbg/internal/fingerprint"
	"github.com/raildebug/raildbg/internal/memory"
	"github.com/raildebug/raildbg/internal/pipeline"
	"github.com/raildebug/raildbg/internal/router"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline *pipeline.Pipeline
	Memory   *memory.Memory
}

// NewMCPServer creates an MCP server exposing traceback analysis to agent
// clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"raildbg",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("raildbg analyzes error tracebacks through a tiered escalation ladder and remembers past diagnoses."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("analyze_traceback",
			mcp.WithDescription("Analyze an error traceback and return root cause, suggested fix, and severity."),
			mcp.WithString("traceback", mcp.Description("The raw traceback or panic text"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("Escalation mode: auto (default), haiku, or deep")),
			mcp.WithString("repo_id", mcp.Description("Optional repository identifier for scoping memory")),
		),
		mcpAnalyzeTraceback(deps),
	)

	s.AddTool(
		mcp.NewTool("lookup_similar",
			mcp.WithDescription("Look up past analyses of the same or similar tracebacks without running a new analysis."),
			mcp.WithString("traceback", mcp.Description("The raw traceback to match against memory"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 3)")),
		),
		mcpLookupSimilar(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_stats",
			mcp.WithDescription("Aggregate statistics over the recorded analysis history."),
			mcp.WithString("repo_id", mcp.Description("Optional repository filter")),
		),
		mcpMemoryStats(deps),
	)

	return s
}

func mcpAnalyzeTraceback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		traceback, err := req.RequireString("traceback")
		if err != nil {
			return mcpError("traceback is required"), nil
		}

		mode, err := router.ParseMode(req.GetString("mode", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		report, err := deps.Pipeline.Analyze(ctx, pipeline.Request{
			Traceback: traceback,
			Mode:      mode,
			RepoID:    req.GetString("repo_id", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("analysis failed: %v", err)), nil
		}

		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpLookupSimilar(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		traceback, err := req.RequireString("traceback")
		if err != nil {
			return mcpError("traceback is required"), nil
		}

		limit := req.GetInt("limit", memory.DefaultLimit)
		if limit <= 0 {
			limit = memory.DefaultLimit
		}
		if limit > 20 {
			limit = 20
		}

		fp, err := fingerprint.Normalize(traceback)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		records, err := deps.Memory.LookupSimilar(ctx, fp.Hash, fp.Snippet, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		if len(records) == 0 {
			return mcpText("[]"), nil
		}

		type matchResult struct {
			Fingerprint  string  `json:"fingerprint"`
			Language     string  `json:"language"`
			Severity     string  `json:"severity"`
			RootCause    string  `json:"root_cause"`
			SuggestedFix string  `json:"suggested_fix"`
			Confidence   float64 `json:"confidence"`
			Success      *bool   `json:"success,omitempty"`
			CreatedAt    string  `json:"created_at"`
		}

		results := make([]matchResult, len(records))
		for i, rec := range records {
			results[i] = matchResult{
				Fingerprint:  rec.Hash,
				Language:     rec.Language,
				Severity:     rec.Severity,
				RootCause:    rec.RootCause,
				SuggestedFix: rec.SuggestedFix,
				Confidence:   rec.Confidence,
				Success:      rec.Success,
				CreatedAt:    rec.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpMemoryStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Memory.Stats(ctx, req.GetString("repo_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("stats failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"total_analyses":   stats.TotalAnalyses,
			"avg_confidence":   stats.AvgConfidence,
			"successful_fixes": stats.SuccessfulFixes,
			"success_rate":     stats.SuccessRate,
			"severities":       stats.Severities,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
