package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/pipelined/internal/config"
	"github.com/fyrsmithlabs/pipelined/internal/events"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.ObservabilityConfig{
		EnableTelemetry: true,
		ServiceName:     "pipelined",
		Endpoint:        "otel.example.com:4318",
		Protocol:        "http/protobuf",
		TLSSkipVerify:   true,
		SampleRate:      0.5,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.True(t, cfg.TLSSkipVerify)
	assert.False(t, cfg.Logs)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, false},
		{"local insecure", func(c *Config) { c.Enabled = true }, false},
		{"loopback ip", func(c *Config) { c.Enabled = true; c.Endpoint = "127.0.0.1:4317" }, false},
		{"ipv6 loopback", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, false},
		{"remote insecure", func(c *Config) { c.Enabled = true; c.Endpoint = "collector.internal:4317" }, true},
		{"remote tls", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "https://collector.internal:4318"
			c.Insecure = false
		}, false},
		{"missing endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, true},
		{"protocol", func(c *Config) { c.Enabled = true; c.Protocol = "thrift" }, true},
		{"sample rate", func(c *Config) { c.Enabled = true; c.SampleRate = 2 }, true},
		{"shutdown", func(c *Config) { c.Enabled = true; c.ShutdownAfter = 0 }, true},
		{"interval", func(c *Config) { c.Enabled = true; c.ExportInterval = 0 }, true},
		{"interval unused", func(c *Config) { c.Enabled = true; c.Metrics = false; c.ExportInterval = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.Nil(t, tel.LoggerProvider())
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_Invalid(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Protocol = ""
	cfg.SampleRate = -1
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protocol")
	assert.Contains(t, err.Error(), "sample_rate", "all problems are reported")
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.True(t, tel.Health().Degraded)
	assert.False(t, tel.IsEnabled())
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "otel:4318", hostPort("https://otel:4318"))
	assert.Equal(t, "otel:4318", hostPort("http://otel:4318"))
	assert.Equal(t, "otel:4317", hostPort("otel:4317"))
}

func TestNewTransport(t *testing.T) {
	cfg := NewDefaultConfig()
	tr := newTransport(cfg)
	assert.True(t, tr.insecure)
	assert.Nil(t, tr.tls)
	assert.False(t, tr.http)

	cfg.Insecure = false
	cfg.TLSSkipVerify = true
	cfg.Protocol = ProtocolHTTP
	tr = newTransport(cfg)
	require.NotNil(t, tr.tls)
	assert.True(t, tr.tls.InsecureSkipVerify)
	assert.True(t, tr.http)
}

func TestRunTracer(t *testing.T) {
	tel := NewRecorder()
	rt, err := NewRunTracer(tel.Telemetry)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now()
	st := pipeline.NewState(pipeline.Input{TicketID: "T-1", ThreadID: "th-1", Action: pipeline.ActionExtractRequirements})
	st.Finish(pipeline.PhaseCompleted)

	for _, e := range []events.Event{
		{Type: events.WorkflowStart, ThreadID: "th-1", Timestamp: now, TicketID: "T-1", Action: pipeline.ActionExtractRequirements},
		{Type: events.NodeStart, ThreadID: "th-1", Timestamp: now, Node: pipeline.StageRequirement, Agent: "RequirementAnalyzer", Attempt: 1, Mode: pipeline.ModeStandard},
		{Type: events.NodeError, ThreadID: "th-1", Timestamp: now.Add(time.Second), Node: pipeline.StageRequirement, Mode: pipeline.ModeStandard, Error: "low confidence",
			Outcome: &pipeline.StageOutcome{Confidence: 0.4}},
		{Type: events.NodeStart, ThreadID: "th-1", Timestamp: now.Add(time.Second), Node: pipeline.StageRequirement, Attempt: 2, Mode: pipeline.ModeStrict},
		{Type: events.NodeComplete, ThreadID: "th-1", Timestamp: now.Add(2 * time.Second), Node: pipeline.StageRequirement, Mode: pipeline.ModeStrict,
			Outcome: &pipeline.StageOutcome{Success: true, Confidence: 0.9, ItemCount: 4}},
		{Type: events.WorkflowComplete, ThreadID: "th-1", Timestamp: now.Add(2 * time.Second), Data: st},
	} {
		require.NoError(t, rt.Publish(ctx, e))
	}

	spans := tel.Ended()
	require.Len(t, spans, 3)

	root := tel.Span("pipeline.run")
	require.NotNil(t, root)
	assert.Equal(t, "T-1", SpanAttr(root, "pipeline.ticket_id"))
	assert.Equal(t, string(st.Status), SpanAttr(root, "pipeline.status"))

	var stages int
	for _, s := range spans {
		if s.Name() != "pipeline.stage.requirement" {
			continue
		}
		stages++
		assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID())
		assert.Equal(t, time.Second, s.EndTime().Sub(s.StartTime()))
	}
	assert.Equal(t, 2, stages)
	assert.Equal(t, codes.Error, spans[0].Status().Code, "the failed first attempt ends first")

	strict, ok, err := tel.Counter(ctx, "pipelined.stage.attempts", attribute.String("mode", "strict"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), strict)
	standard, _, _ := tel.Counter(ctx, "pipelined.stage.attempts", attribute.String("mode", "standard"))
	assert.Equal(t, int64(1), standard)

	runs, ok, err := tel.Counter(ctx, "pipelined.runs", attribute.String("action", string(pipeline.ActionExtractRequirements)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), runs)
	_, ok, _ = tel.Counter(ctx, "pipelined.stage.duration", attribute.String("stage", "requirement"))
	assert.True(t, ok)
}

func TestRunTracer_UnmatchedEvents(t *testing.T) {
	tel := NewRecorder()
	rt, err := NewRunTracer(tel.Telemetry)
	require.NoError(t, err)

	assert.NoError(t, rt.Publish(context.Background(), events.Event{Type: events.NodeComplete, ThreadID: "unknown"}))
	assert.NoError(t, rt.Publish(context.Background(), events.Event{Type: events.WorkflowError, ThreadID: "unknown"}))
	assert.Empty(t, tel.Ended())
}
