package embeddings

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/config"
	"github.com/fyrsmithlabs/pipelined/internal/vectorstore"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider is an Embedder that knows its vector size.
type Provider interface {
	vectorstore.Embedder
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// FastEmbedConfig configures the local ONNX provider.
type FastEmbedConfig struct {
	// Model is a fastembed model name such as BAAI/bge-small-en-v1.5.
	Model string

	// CacheDir holds downloaded models and optionally lib/ with the ONNX
	// runtime. Defaults to ~/.cache/pipelined/models.
	CacheDir string

	// MaxLength is the token limit per input. Defaults to 512.
	MaxLength int

	// BatchSize is the number of texts embedded per model call. Defaults
	// to 64.
	BatchSize int
}

// Default models per provider.
const (
	DefaultOpenAIModel    = "text-embedding-3-small"
	DefaultFastEmbedModel = "BAAI/bge-small-en-v1.5"
)

// NewProvider creates the provider named by cfg and instruments it with
// generation metrics.
func NewProvider(cfg config.EmbeddingsConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		p   Provider
		err error
	)
	name, model := cfg.Provider, cfg.Model
	switch name {
	case "openai", "":
		name = "openai"
		if model == "" {
			model = DefaultOpenAIModel
		}
		p, err = NewOpenAIProvider(OpenAIConfig{
			BaseURL: cfg.BaseURL,
			Model:   model,
			APIKey:  cfg.APIKey,
		})
	case "fastembed":
		if model == "" {
			model = DefaultFastEmbedModel
		}
		p, err = newFastEmbed(FastEmbedConfig{
			Model:    model,
			CacheDir: cfg.CacheDir,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, name)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("embedding provider ready",
		zap.String("provider", name),
		zap.String("model", model),
		zap.Int("dimension", p.Dimension()),
	)
	return Instrument(p, name, model, NewMetrics(logger)), nil
}

// detectDimensionFromModel returns the embedding dimension for a model name,
// falling back to name patterns and finally 384.
func detectDimensionFromModel(model string) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	switch {
	case strings.Contains(model, "large"):
		return 1024
	case strings.Contains(model, "base"):
		return 768
	default:
		return 384
	}
}

var knownDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"nomic-embed-text":       768,

	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"fast-bge-small-en-v1.5":                 384,
	"fast-bge-small-en":                      384,
	"fast-bge-base-en-v1.5":                  768,
	"fast-bge-base-en":                       768,
	"fast-bge-small-zh-v1.5":                 512,
	"fast-all-MiniLM-L6-v2":                  384,
}
