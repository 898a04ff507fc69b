package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Emitter delivers one run's events, in order, to an optional stream channel
// and to a sink.
//
// Sink failures are logged and never interrupt the run. Once the stream
// consumer's context is done the emitter stops writing to the channel, so a
// run whose consumer went away still finishes without blocking.
type Emitter struct {
	ctx      context.Context
	out      chan<- Event
	sink     Sink
	logger   *zap.Logger
	detached bool
}

// NewEmitter creates an emitter. out and sink may be nil.
func NewEmitter(ctx context.Context, out chan<- Event, sink Sink, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{ctx: ctx, out: out, sink: sink, logger: logger}
}

// Emit stamps e and delivers it.
func (em *Emitter) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if em.sink != nil {
		if err := em.sink.Publish(context.WithoutCancel(em.ctx), e); err != nil {
			em.logger.Warn("event sink publish failed",
				zap.String("thread_id", e.ThreadID),
				zap.String("event", string(e.Type)),
				zap.Error(err),
			)
		}
	}

	if em.out == nil || em.detached {
		return
	}
	select {
	case em.out <- e:
	case <-em.ctx.Done():
		em.detached = true
		em.logger.Debug("stream consumer gone, dropping events",
			zap.String("thread_id", e.ThreadID),
			zap.String("event", string(e.Type)),
		)
	}
}

// Detached reports whether the stream consumer went away.
func (em *Emitter) Detached() bool {
	return em.detached
}
