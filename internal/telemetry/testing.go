package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Recorder is enabled Telemetry that keeps spans and metrics in memory.
type Recorder struct {
	*Telemetry

	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

// NewRecorder creates a Recorder. Nothing is installed globally.
func NewRecorder() *Recorder {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	return &Recorder{
		Telemetry: &Telemetry{
			cfg:     cfg,
			tracers: tp,
			meters:  mp,
			signals: []signal{{"traces", tp}, {"metrics", mp}},
		},
		spans:  spans,
		reader: reader,
	}
}

// Ended returns the finished spans in end order.
func (r *Recorder) Ended() []sdktrace.ReadOnlySpan {
	return r.spans.Ended()
}

// Span returns the first finished span called name, or nil.
func (r *Recorder) Span(name string) sdktrace.ReadOnlySpan {
	for _, s := range r.spans.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// SpanAttr returns the value of key on span, or nil.
func SpanAttr(span sdktrace.ReadOnlySpan, key string) any {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.AsInterface()
		}
	}
	return nil
}

// Counter totals the int64 sum called name across points carrying attr. It
// reports false when no such metric was recorded.
func (r *Recorder) Counter(ctx context.Context, name string, attr attribute.KeyValue) (int64, bool, error) {
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return 0, false, err
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return 0, true, nil
			}
			var total int64
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
					total += dp.Value
				}
			}
			return total, true, nil
		}
	}
	return 0, false, nil
}
