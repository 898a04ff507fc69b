package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/pipelined/internal/embeddings"

// Operations recorded on every instrument.
const (
	opDocuments = "documents"
	opQuery     = "query"
)

// Metrics counts embedding calls and the texts they carry.
type Metrics struct {
	calls    metric.Int64Counter
	texts    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetrics creates embedding metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	var err error

	if m.calls, err = meter.Int64Counter("pipelined.embedding.calls_total",
		metric.WithDescription("Embedding calls by provider, model, operation and result"),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn("failed to create embedding calls counter", zap.Error(err))
	}
	if m.texts, err = meter.Int64Counter("pipelined.embedding.texts_total",
		metric.WithDescription("Texts sent for embedding by provider and operation"),
		metric.WithUnit("{text}")); err != nil {
		logger.Warn("failed to create embedding texts counter", zap.Error(err))
	}
	if m.duration, err = meter.Float64Histogram("pipelined.embedding.duration_seconds",
		metric.WithDescription("Embedding call latency by provider and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)); err != nil {
		logger.Warn("failed to create embedding duration histogram", zap.Error(err))
	}
	return m
}

func (m *Metrics) observe(ctx context.Context, provider, model, op string, texts int, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	base := []attribute.KeyValue{attribute.String("provider", provider), attribute.String("operation", op)}
	if m.calls != nil {
		attrs := append(base[:len(base):len(base)], attribute.String("model", model), attribute.String("result", result))
		m.calls.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.texts != nil {
		m.texts.Add(ctx, int64(texts), metric.WithAttributes(base...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(base...))
	}
}

// instrumented records metrics around a Provider.
type instrumented struct {
	Provider
	provider string
	model    string
	metrics  *Metrics
}

// Instrument wraps p so every call is counted and timed. A nil m returns p.
func Instrument(p Provider, provider, model string, m *Metrics) Provider {
	if m == nil {
		return p
	}
	return &instrumented{Provider: p, provider: provider, model: model, metrics: m}
}

func (i *instrumented) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := i.Provider.EmbedDocuments(ctx, texts)
	i.metrics.observe(ctx, i.provider, i.model, opDocuments, len(texts), start, err)
	return vecs, err
}

func (i *instrumented) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := i.Provider.EmbedQuery(ctx, text)
	i.metrics.observe(ctx, i.provider, i.model, opQuery, 1, start, err)
	return vec, err
}
