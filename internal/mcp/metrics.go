package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
)

const instrumentationName = "github.com/fyrsmithlabs/pipelined/internal/mcp"

// Metrics counts tool calls. A nil *Metrics records nothing.
type Metrics struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	running  metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	var errs []error
	var err error

	m.calls, err = meter.Int64Counter("pipelined.mcp.tool_calls_total",
		metric.WithDescription("MCP tool calls by tool"),
		metric.WithUnit("{call}"))
	errs = append(errs, err)

	m.failures, err = meter.Int64Counter("pipelined.mcp.tool_failures_total",
		metric.WithDescription("Failed MCP tool calls by tool and reason"),
		metric.WithUnit("{call}"))
	errs = append(errs, err)

	// A pipeline run makes several LLM calls, so the buckets reach minutes.
	m.latency, err = meter.Float64Histogram("pipelined.mcp.tool_duration_seconds",
		metric.WithDescription("MCP tool call duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600))
	errs = append(errs, err)

	m.running, err = meter.Int64UpDownCounter("pipelined.mcp.tool_calls_running",
		metric.WithDescription("MCP tool calls in progress"),
		metric.WithUnit("{call}"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		logger.Warn("failed to create mcp instruments", zap.Error(err))
	}
	return m
}

// start marks a call to tool as running. The returned func ends it and
// records the outcome.
func (m *Metrics) start(ctx context.Context, tool string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	began := time.Now()
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.running != nil {
		m.running.Add(ctx, 1, attrs)
	}
	return func(err error) {
		ctx := context.WithoutCancel(ctx)
		if m.running != nil {
			m.running.Add(ctx, -1, attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(began).Seconds(), attrs)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", failureReason(err)),
			))
		}
	}
}

// failureReason buckets err for the reason label. Sentinel errors are
// checked first; the message is a fallback for errors from other packages.
func failureReason(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, orchestrator.ErrThreadNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	for _, r := range []struct{ needle, reason string }{
		{"invalid", "invalid"},
		{"required", "invalid"},
		{"not found", "not_found"},
		{"timeout", "timeout"},
		{"checkpoint", "storage"},
	} {
		if strings.Contains(msg, r.needle) {
			return r.reason
		}
	}
	return "internal"
}
