//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

const (
	defaultMaxLength = 512
	defaultBatchSize = 64
)

// fastembedModels maps Hugging Face names to fastembed model ids. Names not
// listed are passed through as ids.
var fastembedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

// localProvider embeds with an ONNX model loaded in process. The model is
// not safe for concurrent use, so calls are serialized.
type localProvider struct {
	mu        sync.Mutex
	model     *fastembed.FlagEmbedding
	dimension int
	batchSize int
}

func newFastEmbed(cfg FastEmbedConfig) (Provider, error) {
	id, ok := fastembedModels[cfg.Model]
	if !ok {
		id = fastembed.EmbeddingModel(cfg.Model)
	}
	dim, ok := knownDimensions[string(id)]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported fastembed model %q", ErrInvalidConfig, cfg.Model)
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("%w: cache_dir unset and no home directory: %v", ErrInvalidConfig, err)
		}
		cacheDir = filepath.Join(home, ".cache", "pipelined", "models")
	}
	useBundledRuntime(cacheDir)

	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = defaultMaxLength
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	quiet := false
	model, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                id,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("load fastembed model %s: %w", id, err)
	}
	return &localProvider{model: model, dimension: dim, batchSize: batchSize}, nil
}

// useBundledRuntime sets ONNX_PATH to <cacheDir>/lib/libonnxruntime when that
// file exists and the variable is not already set.
func useBundledRuntime(cacheDir string) {
	if os.Getenv("ONNX_PATH") != "" {
		return
	}
	lib := "libonnxruntime.so"
	if runtime.GOOS == "darwin" {
		lib = "libonnxruntime.dylib"
	}
	path := filepath.Join(cacheDir, "lib", lib)
	if _, err := os.Stat(path); err == nil {
		_ = os.Setenv("ONNX_PATH", path)
	}
}

// EmbedDocuments embeds texts batch by batch, checking ctx between batches.
func (p *localProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts", ErrEmptyInput)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil, fmt.Errorf("%w: provider closed", ErrEmbeddingFailed)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := texts[start:min(start+p.batchSize, len(texts))]
		vecs, err := p.model.PassageEmbed(batch, len(batch))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds a search query.
func (p *localProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty query", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil, fmt.Errorf("%w: provider closed", ErrEmbeddingFailed)
	}

	vec, err := p.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vec, nil
}

func (p *localProvider) Dimension() int { return p.dimension }

// Close destroys the ONNX session. Later calls fail.
func (p *localProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Destroy()
	p.model = nil
	return err
}
