package retrieval

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/weaviate/weaviate/entities/models"
)

// newBackedRetriever points a retriever at a stub Weaviate endpoint.
func newBackedRetriever(t *testing.T, handler http.HandlerFunc) *WeaviateRetriever {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, "")
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	return NewWeaviateRetriever(client)
}

func TestRetrieve_NilClientDegradesToNone(t *testing.T) {
	r := NewWeaviateRetriever(nil)

	res := r.Retrieve(context.Background(), "query", 5)
	if !res.Empty() || res.Strategy != StrategyNone {
		t.Fatalf("expected empty none result, got %+v", res)
	}
}

func TestRetrieve_EmptyQueryDegradesToNone(t *testing.T) {
	r := NewWeaviateRetriever(nil)

	res := r.Retrieve(context.Background(), "", 5)
	if res.Strategy != StrategyNone {
		t.Fatalf("expected none strategy, got %s", res.Strategy)
	}
}

func TestRetrieve_UnreachableBackendDegradesToNone(t *testing.T) {
	// Both search strategies hit the same broken backend: semantic fails,
	// the keyword fallback fails, and the caller gets an empty none result.
	r := newBackedRetriever(t, func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	res := r.Retrieve(context.Background(), "KeyError: 'user_id'", 5)
	if !res.Empty() || res.Strategy != StrategyNone {
		t.Fatalf("expected empty none result, got %+v", res)
	}
}

func TestRetrieve_SemanticFailureFallsBackToKeyword(t *testing.T) {
	r := newBackedRetriever(t, func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		if !strings.Contains(string(body), "bm25") {
			http.Error(w, "vectorizer unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":{"Get":{"RailDoc":[{"content":"keyword snippet"}]}}}`)
	})

	res := r.Retrieve(context.Background(), "KeyError: 'user_id'", 5)
	if res.Strategy != StrategyKeyword {
		t.Fatalf("expected keyword fallback, got %s", res.Strategy)
	}
	if len(res.Snippets) != 1 || res.Snippets[0] != "keyword snippet" {
		t.Fatalf("unexpected snippets: %v", res.Snippets)
	}
}

func TestRetrieve_SemanticSuccessSkipsKeyword(t *testing.T) {
	var queries int
	r := newBackedRetriever(t, func(w http.ResponseWriter, req *http.Request) {
		queries++
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":{"Get":{"RailDoc":[{"content":"semantic snippet"}]}}}`)
	})

	res := r.Retrieve(context.Background(), "KeyError: 'user_id'", 5)
	if res.Strategy != StrategySemantic {
		t.Fatalf("expected semantic strategy, got %s", res.Strategy)
	}
	if queries != 1 {
		t.Errorf("expected a single query, got %d", queries)
	}
}

func graphQLResponse(data map[string]models.JSONObject) *models.GraphQLResponse {
	return &models.GraphQLResponse{Data: data}
}

func TestExtractContent(t *testing.T) {
	resp := graphQLResponse(map[string]models.JSONObject{
		"Get": map[string]any{
			"RailDoc": []any{
				map[string]any{"content": "first snippet"},
				map[string]any{"content": "second snippet"},
				map[string]any{"content": ""},
			},
		},
	})

	got, err := extractContent(resp, "RailDoc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "first snippet" {
		t.Fatalf("unexpected snippets: %v", got)
	}
}

func TestExtractContent_AbsentCollectionIsEmptyNotError(t *testing.T) {
	resp := graphQLResponse(map[string]models.JSONObject{
		"Get": map[string]any{"RailDoc": nil},
	})

	got, err := extractContent(resp, "RailDoc")
	if err != nil {
		t.Fatalf("null collection should not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
}

func TestExtractContent_MissingGet(t *testing.T) {
	if _, err := extractContent(graphQLResponse(nil), "RailDoc"); err == nil {
		t.Fatal("expected error for malformed response")
	}
}

func TestExtractContent_GraphQLErrorsSurface(t *testing.T) {
	resp := &models.GraphQLResponse{
		Errors: []*models.GraphQLError{{Message: "no vectorizer module configured"}},
	}

	if _, err := extractContent(resp, "RailDoc"); err == nil {
		t.Fatal("expected error when the response carries graphql errors")
	}
}

func TestBounded_DeduplicatesAndKeepsOrder(t *testing.T) {
	r := NewWeaviateRetriever(nil)

	res := r.bounded([]string{"a", "b", "a", "c"}, StrategySemantic)
	if len(res.Snippets) != 3 {
		t.Fatalf("expected 3 snippets, got %d", len(res.Snippets))
	}
	if res.Snippets[0] != "a" || res.Snippets[1] != "b" || res.Snippets[2] != "c" {
		t.Fatalf("order not preserved: %v", res.Snippets)
	}
	if res.Strategy != StrategySemantic {
		t.Errorf("strategy = %s", res.Strategy)
	}
}

func TestBounded_EnforcesByteBudget(t *testing.T) {
	r := NewWeaviateRetriever(nil, WithByteBudget(100))

	big := strings.Repeat("x", 90)
	res := r.bounded([]string{big, strings.Repeat("y", 90)}, StrategyKeyword)

	total := 0
	for _, s := range res.Snippets {
		total += len(s)
	}
	// The snippet crossing the budget is truncated, plus a short marker.
	if total > 100+len(" [truncated]") {
		t.Fatalf("budget exceeded: %d bytes", total)
	}
	if len(res.Snippets) != 2 {
		t.Fatalf("expected truncated second snippet, got %d snippets", len(res.Snippets))
	}
	if !strings.HasSuffix(res.Snippets[1], " [truncated]") {
		t.Error("second snippet should carry the truncation marker")
	}
}

func TestBounded_EmptyIsNone(t *testing.T) {
	r := NewWeaviateRetriever(nil)

	res := r.bounded(nil, StrategySemantic)
	if res.Strategy != StrategyNone {
		t.Fatalf("empty result should have none strategy, got %s", res.Strategy)
	}
}

func TestNewClient_ParsesScheme(t *testing.T) {
	for _, tt := range []struct {
		url string
	}{
		{"http://localhost:8080"},
		{"https://weaviate.example.com"},
		{"localhost:8080"},
	} {
		client, err := NewClient(tt.url, "")
		if err != nil {
			t.Errorf("NewClient(%q): %v", tt.url, err)
			continue
		}
		if client == nil {
			t.Errorf("NewClient(%q) returned nil client", tt.url)
		}
	}
}
