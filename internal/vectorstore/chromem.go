package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const chromemBackend = "chromem"

// ChromemConfig holds configuration for the embedded chromem-go database.
type ChromemConfig struct {
	// Path is the directory for persistent storage. An empty path keeps the
	// database in memory.
	Path string

	// Compress enables gzip compression of persisted documents.
	Compress bool

	// Collection is the collection name.
	// Default: "pipelined_knowledge"
	Collection string
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
}

// ChromemStore implements Store using chromem-go.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
	name       string
	logger     *zap.Logger
}

// NewChromemStore opens or creates the configured collection.
func NewChromemStore(config ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := ValidateCollectionName(config.Collection); err != nil {
		return nil, err
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		config.Path = path
	}

	s := &ChromemStore{db: db, embedder: embedder, name: config.Collection, logger: logger}
	collection, err := db.GetOrCreateCollection(config.Collection, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", config.Collection, err)
	}
	s.collection = collection

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.Bool("persistent", config.Path != ""),
		zap.String("collection", config.Collection),
		zap.Int("documents", collection.Count()),
	)
	return s, nil
}

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// AddDocuments implements Store.
func (s *ChromemStore) AddDocuments(ctx context.Context, docs []Document) (ids []string, err error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.AddDocuments")
	defer span.End()
	defer func(start time.Time) { observe(chromemBackend, "add", start, err) }(time.Now())

	span.SetAttributes(attribute.Int("document_count", len(docs)))
	if err := validateDocuments(docs); err != nil {
		return nil, err
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, contents(docs))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(docs) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d documents", ErrEmbeddingFailed, len(vectors), len(docs))
	}

	chromemDocs := make([]chromem.Document, len(docs))
	ids = make([]string, len(docs))
	for i, d := range docs {
		chromemDocs[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Embedding: vectors[i],
		}
		ids[i] = d.ID
	}

	if err := s.collection.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding documents to %s: %w", s.name, err)
	}

	span.SetStatus(codes.Ok, "success")
	return ids, nil
}

// Search implements Store.
func (s *ChromemStore) Search(ctx context.Context, query string, k int, filters map[string]string) (results []SearchResult, err error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	defer func(start time.Time) { observe(chromemBackend, "search", start, err) }(time.Now())

	k, err = validateSearch(query, k)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("collection", s.name), attribute.Int("k", k))

	// chromem rejects nResults above the collection size.
	count := s.collection.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	k = min(k, count)

	var where map[string]string
	if len(filters) > 0 {
		where = filters
	}
	found, err := s.collection.Query(ctx, query, k, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.name, err)
	}

	results = make([]SearchResult, len(found))
	for i, r := range found {
		results[i] = SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: r.Metadata,
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("searched chromem collection",
		zap.String("collection", s.name),
		zap.Int("k", k),
		zap.Int("results", len(results)),
	)
	return results, nil
}

// Count returns the number of stored documents.
func (s *ChromemStore) Count() int {
	return s.collection.Count()
}

// Close implements Store. chromem-go persists on write, so there is nothing
// to flush.
func (s *ChromemStore) Close() error {
	s.logger.Debug("chromem store closed")
	return nil
}
