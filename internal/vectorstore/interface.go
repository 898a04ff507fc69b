package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("pipelined.vectorstore")

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to Qdrant")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrInvalidQuery indicates an empty or oversized query.
	ErrInvalidQuery = errors.New("invalid query")
)

const (
	// maxQueryLength bounds the text sent to the embedder for a lookup.
	maxQueryLength = 10000

	// maxResults bounds k for a single search.
	maxResults = 100
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName checks name against ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts, one per input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Document is a unit of indexed text. Adding a document whose ID already
// exists replaces it.
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SearchResult is a document returned by a similarity search.
type SearchResult struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Store is a single collection of embedded documents.
type Store interface {
	// AddDocuments embeds and stores docs and returns their IDs.
	AddDocuments(ctx context.Context, docs []Document) ([]string, error)

	// Search returns up to k documents most similar to query, restricted to
	// documents whose metadata matches every entry of filters. Results are
	// ordered by descending score.
	Search(ctx context.Context, query string, k int, filters map[string]string) ([]SearchResult, error)

	// Close releases the store's resources.
	Close() error
}

func validateSearch(query string, k int) (int, error) {
	if query == "" {
		return 0, fmt.Errorf("%w: query cannot be empty", ErrInvalidQuery)
	}
	if utf8.RuneCountInString(query) > maxQueryLength {
		return 0, fmt.Errorf("%w: query exceeds %d characters", ErrInvalidQuery, maxQueryLength)
	}
	if k <= 0 {
		return 0, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidQuery, k)
	}
	return min(k, maxResults), nil
}

func validateDocuments(docs []Document) error {
	if len(docs) == 0 {
		return ErrEmptyDocuments
	}
	for i, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("%w: document %d has no id", ErrEmptyDocuments, i)
		}
	}
	return nil
}

func contents(docs []Document) []string {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	return texts
}
