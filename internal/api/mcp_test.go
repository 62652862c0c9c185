package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/raildebug/raildbg/internal/fingerprint"
	"github.com/raildebug/raildbg/internal/ledger"
	"github.com/raildebug/raildbg/internal/memory"
	"github.com/raildebug/raildbg/internal/pipeline"
	"github.com/raildebug/raildbg/internal/provider"
	"github.com/raildebug/raildbg/internal/router"
	"github.com/raildebug/raildbg/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) MCPDeps {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mem := memory.New(store)
	led := ledger.New(store, nil)
	rt := router.New(map[router.Tier]provider.Provider{
		router.TierRegex: provider.NewPatternMatcher(),
	}, nil)

	return MCPDeps{
		Pipeline: pipeline.New(nil, mem, led, rt, 5),
		Memory:   mem,
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_AnalyzeTraceback(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpAnalyzeTraceback(deps)

	req := makeCallToolRequest("analyze_traceback", map[string]interface{}{
		"traceback": keyErrorTraceback,
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var report pipeline.Report
	if err := json.Unmarshal([]byte(toolText(t, result)), &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if report.ErrorType != "KeyError" || report.Tier != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestMCPTool_AnalyzeTraceback_MissingArg(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpAnalyzeTraceback(deps)

	result, err := handler(context.Background(), makeCallToolRequest("analyze_traceback", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing traceback")
	}
}

func TestMCPTool_AnalyzeTraceback_BadMode(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpAnalyzeTraceback(deps)

	req := makeCallToolRequest("analyze_traceback", map[string]interface{}{
		"traceback": keyErrorTraceback,
		"mode":      "turbo",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for unknown mode")
	}
}

func TestMCPTool_LookupSimilar(t *testing.T) {
	deps := newTestMCPDeps(t)

	fp, err := fingerprint.Normalize(keyErrorTraceback)
	if err != nil {
		t.Fatalf("normalizing: %v", err)
	}
	ok := true
	deps.Memory.Record(context.Background(), storage.AnalysisRecord{
		Hash:         fp.Hash,
		Snippet:      fp.Snippet,
		Language:     "python",
		Severity:     "medium",
		Tier:         2,
		RootCause:    "missing dict key",
		SuggestedFix: "use .get",
		Confidence:   0.8,
		Success:      &ok,
		CreatedAt:    time.Now().UTC(),
	})

	handler := mcpLookupSimilar(deps)
	req := makeCallToolRequest("lookup_similar", map[string]interface{}{
		"traceback": keyErrorTraceback,
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var matches []struct {
		Fingerprint string  `json:"fingerprint"`
		RootCause   string  `json:"root_cause"`
		Success     *bool   `json:"success"`
		Confidence  float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &matches); err != nil {
		t.Fatalf("decoding matches: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Fingerprint != fp.Hash || matches[0].RootCause != "missing dict key" {
		t.Errorf("unexpected match: %+v", matches[0])
	}
	if matches[0].Success == nil || !*matches[0].Success {
		t.Error("success flag lost")
	}
}

func TestMCPTool_LookupSimilar_NoHistory(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpLookupSimilar(deps)

	req := makeCallToolRequest("lookup_similar", map[string]interface{}{
		"traceback": keyErrorTraceback,
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "[]" {
		t.Fatalf("expected empty array, got %s", text)
	}
}

func TestMCPTool_MemoryStats(t *testing.T) {
	deps := newTestMCPDeps(t)

	deps.Memory.Record(context.Background(), storage.AnalysisRecord{
		Hash:      "h1",
		Snippet:   "KeyError",
		Language:  "python",
		Severity:  "medium",
		Tier:      1,
		RootCause: "cause",
		CreatedAt: time.Now().UTC(),
	})

	handler := mcpMemoryStats(deps)
	result, err := handler(context.Background(), makeCallToolRequest("memory_stats", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var stats map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats["total_analyses"].(float64) != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}
}
