package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/config"
)

// DefaultCollection is the collection used when none is configured.
const DefaultCollection = "pipelined_knowledge"

// ErrDisabled is returned by NewStore when the provider is "none".
var ErrDisabled = errors.New("vector store disabled")

// NewStore creates the Store selected by cfg.Provider:
//   - "chromem" (default): embedded, persisted under cfg.Path
//   - "qdrant": external server at cfg.QdrantHost:cfg.QdrantPort
//   - "none": returns ErrDisabled
func NewStore(ctx context.Context, cfg config.VectorStoreConfig, embedder Embedder, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Provider {
	case "chromem", "":
		s, err := NewChromemStore(ChromemConfig{
			Path:       cfg.Path,
			Compress:   true,
			Collection: cfg.Collection,
		}, embedder, logger)
		if err != nil {
			return nil, err
		}
		return s, nil

	case "qdrant":
		s, err := NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			Collection: cfg.Collection,
			VectorSize: uint64(max(cfg.VectorSize, 0)),
			UseTLS:     cfg.QdrantUseTLS,
		}, embedder, logger)
		if err != nil {
			return nil, err
		}
		return s, nil

	case "none":
		return nil, ErrDisabled

	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q (supported: chromem, qdrant, none)", ErrInvalidConfig, cfg.Provider)
	}
}
