package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name      string
		action    Action
		completed Stage
		want      Stage
	}{
		{"start always requirement", ActionGenerateArtifact, StageNone, StageRequirement},
		{"extract stops after requirement", ActionExtractRequirements, StageRequirement, StageTerminal},
		{"artifact goes to generation", ActionGenerateArtifact, StageRequirement, StageGeneration},
		{"verification skips generation", ActionGenerateVerification, StageRequirement, StageVerification},
		{"full goes to generation", ActionFullPipeline, StageRequirement, StageGeneration},
		{"full continues to verification", ActionFullPipeline, StageGeneration, StageVerification},
		{"artifact stops after generation", ActionGenerateArtifact, StageGeneration, StageTerminal},
		{"verification always terminal", ActionFullPipeline, StageVerification, StageTerminal},
		{"unknown action terminal", Action("deploy"), StageRequirement, StageTerminal},
		{"unknown action after generation", Action("deploy"), StageGeneration, StageTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Route(tt.action, tt.completed))
		})
	}
}

func TestRoute_Deterministic(t *testing.T) {
	actions := append(AllActions(), Action("unknown"))
	stages := append([]Stage{StageNone}, AllStages()...)

	for _, a := range actions {
		for _, s := range stages {
			assert.Equal(t, Route(a, s), Route(a, s), "action=%s stage=%s", a, s)
		}
	}
}

func TestRoute_DoesNotTouchState(t *testing.T) {
	st := NewState(Input{TicketID: "T-1", Action: ActionFullPipeline})
	before := st.Clone()

	_ = Route(st.Action, StageRequirement)

	assert.Equal(t, before, st)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("full-pipeline")
	assert.NoError(t, err)
	assert.Equal(t, ActionFullPipeline, a)

	_, err = ParseAction("full_pipeline")
	assert.ErrorIs(t, err, ErrUnknownAction)
}
