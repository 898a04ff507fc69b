package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

const instrumentationName = "github.com/fyrsmithlabs/pipelined/internal/checkpoint"

var (
	// ErrNotFound is returned when a thread has no checkpoint.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("checkpoint store is closed")

	// ErrInvalidThread is returned for an empty thread id or nil state.
	ErrInvalidThread = errors.New("invalid checkpoint request")
)

// Store persists pipeline state snapshots keyed by thread id.
type Store interface {
	// Save appends a snapshot of st to the thread history and makes it the latest.
	Save(ctx context.Context, threadID string, st *pipeline.State) error

	// Latest returns the most recent snapshot, or ErrNotFound.
	Latest(ctx context.Context, threadID string) (*pipeline.State, error)

	// History returns every snapshot of the thread, oldest first. An unknown
	// thread yields an empty slice.
	History(ctx context.Context, threadID string) ([]*pipeline.State, error)

	// Close releases the store.
	Close() error
}

// Config configures the memory store.
type Config struct {
	// MaxHistory caps snapshots kept per thread. Zero keeps everything and
	// is the only setting under which history is append-only; a positive
	// cap drops the oldest snapshots.
	MaxHistory int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{MaxHistory: 0}
}

// memoryStore implements Store with an in-process map.
type memoryStore struct {
	config *Config
	logger *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	saveCounter  metric.Int64Counter
	readCounter  metric.Int64Counter
	threadsGauge metric.Int64UpDownCounter

	mu      sync.RWMutex
	threads map[string][]*pipeline.State
	closed  bool
}

// NewMemoryStore creates an in-memory checkpoint store.
func NewMemoryStore(cfg *Config, logger *zap.Logger) Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &memoryStore{
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		threads: make(map[string][]*pipeline.State),
	}
	s.initMetrics()
	return s
}

func (s *memoryStore) initMetrics() {
	var err error

	s.saveCounter, err = s.meter.Int64Counter(
		"pipelined.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	s.readCounter, err = s.meter.Int64Counter(
		"pipelined.checkpoint.reads_total",
		metric.WithDescription("Total number of checkpoint reads"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		s.logger.Warn("failed to create read counter", zap.Error(err))
	}

	s.threadsGauge, err = s.meter.Int64UpDownCounter(
		"pipelined.checkpoint.threads",
		metric.WithDescription("Number of threads with at least one checkpoint"),
		metric.WithUnit("{thread}"),
	)
	if err != nil {
		s.logger.Warn("failed to create threads gauge", zap.Error(err))
	}
}

// Save appends a snapshot of st to the thread history.
func (s *memoryStore) Save(ctx context.Context, threadID string, st *pipeline.State) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()

	span.SetAttributes(attribute.String("thread_id", threadID))

	if threadID == "" || st == nil {
		err := fmt.Errorf("%w: thread id and state are required", ErrInvalidThread)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	snapshot := st.Clone()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	history, existed := s.threads[threadID]
	history = append(history, snapshot)
	pruned := 0
	if limit := s.config.MaxHistory; limit > 0 && len(history) > limit {
		pruned = len(history) - limit
		kept := make([]*pipeline.State, limit)
		copy(kept, history[pruned:])
		history = kept
	}
	s.threads[threadID] = history
	size := len(history)
	s.mu.Unlock()

	if pruned > 0 {
		s.logger.Debug("pruned checkpoint history",
			zap.String("thread_id", threadID),
			zap.Int("pruned", pruned),
		)
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", string(snapshot.Phase)),
		))
	}
	if !existed && s.threadsGauge != nil {
		s.threadsGauge.Add(ctx, 1)
	}

	s.logger.Debug("saved checkpoint",
		zap.String("thread_id", threadID),
		zap.String("phase", string(snapshot.Phase)),
		zap.Int("history_size", size),
	)

	span.SetAttributes(attribute.Int("history_size", size))
	return nil
}

// Latest returns a copy of the most recent snapshot.
func (s *memoryStore) Latest(ctx context.Context, threadID string) (*pipeline.State, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.latest")
	defer span.End()

	span.SetAttributes(attribute.String("thread_id", threadID))

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	s.countRead(ctx, "latest")

	history := s.threads[threadID]
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	return history[len(history)-1].Clone(), nil
}

// History returns copies of every snapshot, oldest first.
func (s *memoryStore) History(ctx context.Context, threadID string) ([]*pipeline.State, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.history")
	defer span.End()

	span.SetAttributes(attribute.String("thread_id", threadID))

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	s.countRead(ctx, "history")

	history := s.threads[threadID]
	out := make([]*pipeline.State, len(history))
	for i, st := range history {
		out[i] = st.Clone()
	}
	span.SetAttributes(attribute.Int("history_size", len(out)))
	return out, nil
}

func (s *memoryStore) countRead(ctx context.Context, op string) {
	if s.readCounter != nil {
		s.readCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
	}
}

// Close drops every snapshot.
func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.threads = nil
	return nil
}
