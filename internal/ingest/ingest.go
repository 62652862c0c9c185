package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/raildebug/raildbg/internal/retrieval"
)

// chunkSize is the target size of one indexed snippet. Chunks break at
// paragraph boundaries when one falls in the back half of the window.
const chunkSize = 1000

// batchSize is how many objects go into one Weaviate batch call.
const batchSize = 100

// Document is one piece of documentation to index.
type Document struct {
	Title   string
	Source  string
	Content string
}

// Ingestor chunks documentation and loads it into the retrieval index.
type Ingestor struct {
	client     *weaviate.Client
	collection string
}

// New creates an Ingestor for the given collection; empty means the default
// retrieval collection.
func New(client *weaviate.Client, collection string) *Ingestor {
	if collection == "" {
		collection = retrieval.DefaultCollection
	}
	return &Ingestor{client: client, collection: collection}
}

// schema returns the class definition for the documentation collection.
func (ing *Ingestor) schema() *models.Class {
	filterable := true
	return &models.Class{
		Class:       ing.collection,
		Description: "Documentation snippets used as analysis context",
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "Snippet text",
				Tokenization: "word",
			},
			{
				Name:            "title",
				DataType:        []string{"text"},
				Description:     "Title of the source document",
				IndexFilterable: &filterable,
				Tokenization:    "field",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Where the document came from (path, URL, upload)",
				IndexFilterable: &filterable,
				Tokenization:    "field",
			},
			{
				Name:            "docId",
				DataType:        []string{"text"},
				Description:     "Groups chunks of the same document",
				IndexFilterable: &filterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureSchema creates the documentation class if it does not exist.
// Idempotent.
func (ing *Ingestor) EnsureSchema(ctx context.Context) error {
	_, err := ing.client.Schema().ClassGetter().WithClassName(ing.collection).Do(ctx)
	if err == nil {
		return nil
	}

	slog.Info("creating retrieval collection", "collection", ing.collection)
	if err := ing.client.Schema().ClassCreator().WithClass(ing.schema()).Do(ctx); err != nil {
		return fmt.Errorf("creating collection %s: %w", ing.collection, err)
	}
	return nil
}

// Ingest chunks the document and batch-inserts it. Returns the number of
// chunks successfully indexed.
func (ing *Ingestor) Ingest(ctx context.Context, doc Document) (int, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return 0, fmt.Errorf("document %q has no content", doc.Title)
	}
	if err := ing.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	chunks := ChunkText(doc.Content, chunkSize)
	docID := uuid.New().String()

	indexed := 0
	for i := 0; i < len(chunks); i += batchSize {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}

		end := i + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		objects := make([]*models.Object, 0, end-i)
		for _, chunk := range chunks[i:end] {
			objects = append(objects, &models.Object{
				Class: ing.collection,
				Properties: map[string]interface{}{
					"content": chunk,
					"title":   doc.Title,
					"source":  doc.Source,
					"docId":   docID,
				},
			})
		}

		result, err := ing.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return indexed, fmt.Errorf("batch insert failed: %w", err)
		}
		for _, obj := range result {
			if obj.Result != nil && obj.Result.Errors == nil {
				indexed++
			}
		}
	}

	slog.Info("document indexed",
		"title", doc.Title, "source", doc.Source, "chunks", indexed)
	return indexed, nil
}

// ChunkText splits text into pieces of at most size bytes, preferring to cut
// at a paragraph break and falling back to a newline. A break point is only
// honored past the window midpoint, so chunks stay reasonably full.
func ChunkText(text string, size int) []string {
	if size <= 0 {
		size = chunkSize
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for len(text) > size {
		cut := size
		if i := strings.LastIndex(text[:size], "\n\n"); i > size/2 {
			cut = i + 2
		} else if i := strings.LastIndex(text[:size], "\n"); i > size/2 {
			cut = i + 1
		}
		if piece := strings.TrimSpace(text[:cut]); piece != "" {
			chunks = append(chunks, piece)
		}
		text = text[cut:]
	}
	if piece := strings.TrimSpace(text); piece != "" {
		chunks = append(chunks, piece)
	}
	return chunks
}
