package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/pipelined/internal/events"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

const instrumentationName = "github.com/fyrsmithlabs/pipelined/internal/orchestrator"

// RunTracer turns run events into spans and OTLP metrics: one root span per
// thread with a child span per stage attempt. It is registered as an event
// sink on the orchestrator.
type RunTracer struct {
	tracer oteltrace.Tracer

	stageDuration metric.Float64Histogram
	attempts      metric.Int64Counter
	runCount      metric.Int64Counter

	mu     sync.Mutex
	roots  map[string]oteltrace.Span
	stages map[string]*stageSpan
}

type stageSpan struct {
	span  oteltrace.Span
	start time.Time
}

// NewRunTracer creates a sink recording into t.
func NewRunTracer(t *Telemetry) (*RunTracer, error) {
	meter := t.Meter(instrumentationName)

	stageDuration, err := meter.Float64Histogram("pipelined.stage.duration",
		metric.WithDescription("Duration of stage attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	attempts, err := meter.Int64Counter("pipelined.stage.attempts",
		metric.WithDescription("Stage attempts by mode and result"),
	)
	if err != nil {
		return nil, err
	}
	runs, err := meter.Int64Counter("pipelined.runs",
		metric.WithDescription("Finished runs by action and result"),
	)
	if err != nil {
		return nil, err
	}

	return &RunTracer{
		tracer:        t.Tracer(instrumentationName),
		stageDuration: stageDuration,
		attempts:      attempts,
		runCount:      runs,
		roots:         make(map[string]oteltrace.Span),
		stages:        make(map[string]*stageSpan),
	}, nil
}

// Publish implements events.Sink.
func (r *RunTracer) Publish(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Type {
	case events.WorkflowStart:
		_, span := r.tracer.Start(context.WithoutCancel(ctx), "pipeline.run",
			oteltrace.WithTimestamp(e.Timestamp),
			oteltrace.WithAttributes(
				attribute.String("pipeline.thread_id", e.ThreadID),
				attribute.String("pipeline.ticket_id", e.TicketID),
				attribute.String("pipeline.action", string(e.Action)),
			),
		)
		r.roots[e.ThreadID] = span

	case events.NodeStart:
		parent := context.WithoutCancel(ctx)
		if root, ok := r.roots[e.ThreadID]; ok {
			parent = oteltrace.ContextWithSpan(parent, root)
		}
		_, span := r.tracer.Start(parent, "pipeline.stage."+string(e.Node),
			oteltrace.WithTimestamp(e.Timestamp),
			oteltrace.WithAttributes(
				attribute.String("pipeline.stage", string(e.Node)),
				attribute.String("pipeline.agent", e.Agent),
				attribute.String("pipeline.mode", string(e.Mode)),
				attribute.Int("pipeline.attempt", e.Attempt),
			),
		)
		r.stages[e.ThreadID] = &stageSpan{span: span, start: e.Timestamp}

	case events.NodeComplete, events.NodeError:
		s, ok := r.stages[e.ThreadID]
		if !ok {
			return nil
		}
		delete(r.stages, e.ThreadID)

		success := e.Type == events.NodeComplete
		if e.Outcome != nil {
			s.span.SetAttributes(
				attribute.Float64("pipeline.confidence", e.Outcome.Confidence),
				attribute.Int("pipeline.items", e.Outcome.ItemCount),
			)
		}
		if !success {
			s.span.SetStatus(codes.Error, e.Error)
		}
		s.span.End(oteltrace.WithTimestamp(e.Timestamp))

		attrs := metric.WithAttributes(
			attribute.String("stage", string(e.Node)),
			attribute.String("mode", string(e.Mode)),
			attribute.Bool("success", success),
		)
		r.stageDuration.Record(ctx, e.Timestamp.Sub(s.start).Seconds(), attrs)
		r.attempts.Add(ctx, 1, attrs)

	case events.WorkflowComplete, events.WorkflowError:
		root, ok := r.roots[e.ThreadID]
		if !ok {
			return nil
		}
		delete(r.roots, e.ThreadID)

		status := "failed"
		if e.Data != nil {
			status = string(e.Data.Status)
		}
		root.SetAttributes(attribute.String("pipeline.status", status))
		if e.Type == events.WorkflowError {
			root.SetStatus(codes.Error, e.Error)
		}
		root.End(oteltrace.WithTimestamp(e.Timestamp))

		var action pipeline.Action
		if e.Data != nil {
			action = e.Data.Input.Action
		}
		r.runCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(action)),
			attribute.String("status", status),
		))
	}
	return nil
}
