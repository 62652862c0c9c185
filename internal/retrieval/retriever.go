package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// Strategy records which search path produced a retrieval result.
type Strategy string

const (
	StrategySemantic Strategy = "semantic"
	StrategyKeyword  Strategy = "keyword"
	StrategyNone     Strategy = "none"
)

// Result is an ordered, deduplicated set of context snippets. Transient:
// recomputed per request, never persisted.
type Result struct {
	Snippets []string
	Strategy Strategy
}

// Empty reports whether retrieval produced no context.
func (r Result) Empty() bool { return len(r.Snippets) == 0 }

// Retriever fetches documentation context for a query. Implementations must
// degrade to an empty Result rather than failing the caller.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) Result
}

// DefaultCollection is the Weaviate class holding documentation snippets.
const DefaultCollection = "RailDoc"

const (
	defaultTimeout    = 5 * time.Second
	defaultByteBudget = 2000
	maxSnippetBytes   = 1200
)

// WeaviateRetriever performs two-strategy hybrid search against a Weaviate
// collection: nearText semantic search first, bm25 keyword search when the
// semantic path errors. Empty results are a valid answer and never trigger
// the fallback. Every failure path degrades to an empty Result.
type WeaviateRetriever struct {
	client     *weaviate.Client
	collection string
	timeout    time.Duration
	byteBudget int
}

// Option configures a WeaviateRetriever.
type Option func(*WeaviateRetriever)

// WithCollection overrides the collection name.
func WithCollection(name string) Option {
	return func(r *WeaviateRetriever) { r.collection = name }
}

// WithTimeout bounds each Retrieve call.
func WithTimeout(d time.Duration) Option {
	return func(r *WeaviateRetriever) { r.timeout = d }
}

// WithByteBudget caps the total bytes of returned context.
func WithByteBudget(n int) Option {
	return func(r *WeaviateRetriever) { r.byteBudget = n }
}

// NewWeaviateRetriever wraps a connected Weaviate client.
func NewWeaviateRetriever(client *weaviate.Client, opts ...Option) *WeaviateRetriever {
	r := &WeaviateRetriever{
		client:     client,
		collection: DefaultCollection,
		timeout:    defaultTimeout,
		byteBudget: defaultByteBudget,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewClient connects to a Weaviate endpoint given as host[:port] or a full
// http(s) URL.
func NewClient(url, apiKey string) (*weaviate.Client, error) {
	cfg := weaviate.Config{Host: url, Scheme: "http"}
	switch {
	case len(url) > 8 && url[:8] == "https://":
		cfg.Scheme, cfg.Host = "https", url[8:]
	case len(url) > 7 && url[:7] == "http://":
		cfg.Host = url[7:]
	}
	if apiKey != "" {
		cfg.Headers = map[string]string{"Authorization": "Bearer " + apiKey}
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating weaviate client: %w", err)
	}
	return client, nil
}

// Retrieve runs the hybrid search. It never returns an error and never
// blocks past the configured timeout: the pipeline continues without context
// when the index is absent or unhealthy.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string, k int) Result {
	if r == nil || r.client == nil || query == "" {
		return Result{Strategy: StrategyNone}
	}
	if k <= 0 {
		k = 5
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snippets, err := r.semanticSearch(ctx, query, k)
	if err == nil {
		return r.bounded(snippets, StrategySemantic)
	}
	slog.Warn("retrieval: semantic search failed, trying keyword fallback", "error", err)

	snippets, err = r.keywordSearch(ctx, query, k)
	if err != nil {
		slog.Warn("retrieval: keyword search failed, degrading to empty context", "error", err)
		return Result{Strategy: StrategyNone}
	}
	return r.bounded(snippets, StrategyKeyword)
}

func (r *WeaviateRetriever) semanticSearch(ctx context.Context, query string, k int) ([]string, error) {
	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	resp, err := r.client.GraphQL().Get().
		WithClassName(r.collection).
		WithFields(graphql.Field{Name: "content"}).
		WithNearText(nearText).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("nearText query: %w", err)
	}
	return extractContent(resp, r.collection)
}

func (r *WeaviateRetriever) keywordSearch(ctx context.Context, query string, k int) ([]string, error) {
	bm25 := r.client.GraphQL().Bm25ArgBuilder().WithQuery(query)

	resp, err := r.client.GraphQL().Get().
		WithClassName(r.collection).
		WithFields(graphql.Field{Name: "content"}).
		WithBM25(bm25).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("bm25 query: %w", err)
	}
	return extractContent(resp, r.collection)
}

// extractContent walks the GraphQL response shape {Get: {<class>: [{content}]}}.
func extractContent(resp *models.GraphQLResponse, class string) ([]string, error) {
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}
	get, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected response shape: missing Get")
	}
	objs, ok := get[class].([]any)
	if !ok {
		// A null class entry means the collection is absent. Empty is a
		// valid answer, not a provider error.
		return nil, nil
	}

	var out []string
	for _, o := range objs {
		props, ok := o.(map[string]any)
		if !ok {
			continue
		}
		if content, ok := props["content"].(string); ok && content != "" {
			out = append(out, content)
		}
	}
	return out, nil
}

// bounded deduplicates snippets and enforces the byte budget, truncating the
// snippet that crosses it.
func (r *WeaviateRetriever) bounded(snippets []string, strategy Strategy) Result {
	// No snippets (absent collection included) carries provenance none.
	if len(snippets) == 0 {
		return Result{Strategy: StrategyNone}
	}

	seen := make(map[string]struct{}, len(snippets))
	var out []string
	total := 0
	for _, s := range snippets {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}

		if len(s) > maxSnippetBytes {
			s = s[:maxSnippetBytes] + " [truncated]"
		}
		if total+len(s) > r.byteBudget {
			remain := r.byteBudget - total
			if remain > 0 {
				out = append(out, s[:remain]+" [truncated]")
			}
			break
		}
		total += len(s)
		out = append(out, s)
	}
	return Result{Snippets: out, Strategy: strategy}
}
