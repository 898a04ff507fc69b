package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/pipelined/internal/bundle"
	"github.com/fyrsmithlabs/pipelined/internal/checkpoint"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

func TestOrchestrator_Stats(t *testing.T) {
	h := newHarness(t, 0.5, 0.9)
	h.gen.failWith("malformed response")

	before := h.orch.Stats()
	require.Len(t, before, 3)
	for _, s := range before {
		assert.Zero(t, s.Executions)
		assert.Equal(t, pipeline.ModeStandard, s.CurrentMode)
	}

	_, err := h.orch.Run(context.Background(), Request{TicketID: "T-1"})
	require.NoError(t, err)

	stats := h.orch.Stats()
	require.Len(t, stats, 3)

	assert.Equal(t, pipeline.StageRequirement, stats[0].Stage)
	assert.Equal(t, "Fakerequirement", stats[0].Agent)
	assert.Equal(t, 2, stats[0].Executions)
	assert.Equal(t, 1, stats[0].Retries)
	assert.Zero(t, stats[0].Failures)
	assert.Equal(t, pipeline.ModeStrict, stats[0].CurrentMode)

	assert.Equal(t, 2, stats[1].Executions)
	assert.Equal(t, 2, stats[1].Failures)

	assert.Equal(t, 1, stats[2].Executions)
	assert.Equal(t, pipeline.ModeStandard, stats[2].CurrentMode)
}

func TestOrchestrator_Agents(t *testing.T) {
	h := newHarness(t, 0.9, 0.9)

	agents := h.orch.Agents()
	require.Len(t, agents, 3)
	assert.Equal(t, "Fakerequirement", agents[0].Name)
	assert.Equal(t, pipeline.StageRequirement, agents[0].Stage)
	assert.Equal(t, "Extracts structured requirements from tickets", agents[0].Description)
	assert.Contains(t, agents[2].Capabilities, "Create edge case tests")
	assert.Equal(t, []pipeline.Mode{pipeline.ModeStandard, pipeline.ModeStrict}, agents[1].Modes)

	agents[0].Capabilities[0] = "mutated"
	assert.Equal(t, "Extract functional requirements", h.orch.Agents()[0].Capabilities[0])
}

func TestOrchestrator_Agents_OnlyRegistered(t *testing.T) {
	logger := zaptest.NewLogger(t)
	orch := New(checkpoint.NewMemoryStore(nil, logger), WithLogger(logger))
	orch.RegisterStage(newFakeStage(pipeline.StageVerification, 0.9, 0.9))

	agents := orch.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, pipeline.StageVerification, agents[0].Stage)
	assert.Len(t, orch.Stats(), 1)
}

func TestOrchestrator_Diagram(t *testing.T) {
	h := newHarness(t, 0.9, 0.9)

	d := h.orch.Diagram()
	assert.True(t, strings.HasPrefix(d, "graph TD\n"))
	for _, node := range []string{"RA[", "QC1{", "RA_STRICT[", "Decision{", "CG[", "QC2{", "CG_STRICT[", "Decision2{", "TG[", "QC3{", "TG_STRICT[", "BUNDLE["} {
		assert.Contains(t, d, node)
	}
	assert.Contains(t, d, "QC1 -->|confidence >= 0.7| Decision{Action Type?}")
	assert.Contains(t, d, "Decision -->|generate-verification| TG[Verification Generator]")

	h.orch.Gate().SetThresholds(pipeline.Thresholds{pipeline.StageRequirement: 0.8})
	assert.Contains(t, h.orch.Diagram(), "QC1 -->|confidence < 0.8| RA_STRICT")
}

func TestOrchestrator_RunWithBundle(t *testing.T) {
	h := newHarness(t, 0.5, 0.9)

	b, err := h.orch.RunWithBundle(context.Background(), Request{TicketID: "T-2", Action: "generate-artifact"})
	require.NoError(t, err)

	assert.Equal(t, "T-2", b.TicketID)
	assert.NotNil(t, b.Requirements)
	assert.NotNil(t, b.Artifact)
	assert.Nil(t, b.Verification)
	assert.Equal(t, bundle.StatusSuccess, b.Summary.FinalStatus)
	assert.Equal(t, 1, b.Summary.Retries)
	assert.InDelta(t, 0.9, b.OverallConfidence, 1e-9)

	require.Len(t, b.Summary.QualityGates, 2)
	assert.Equal(t, "requirement_quality", b.Summary.QualityGates[0].Name)
	assert.True(t, b.Summary.QualityGates[0].Passed, "gate reports the final attempt")
	assert.True(t, b.QualityGatesPassed)

	_, err = h.orch.RunWithBundle(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		want    pipeline.Action
		wantErr bool
	}{
		{"default action", Request{TicketID: "T"}, pipeline.ActionFullPipeline, false},
		{"explicit action", Request{TicketID: "T", Action: "generate-artifact"}, pipeline.ActionGenerateArtifact, false},
		{"blank ticket", Request{TicketID: "  "}, "", true},
		{"unknown action", Request{TicketID: "T", Action: "generate_code"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.req.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
