package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

type fakeSource struct {
	state   *pipeline.State
	history []*pipeline.State
	err     error
}

func (f *fakeSource) GetState(context.Context, string) (*pipeline.State, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.state == nil {
		return nil, orchestrator.ErrThreadNotFound
	}
	return f.state, nil
}

func (f *fakeSource) GetHistory(context.Context, string) ([]*pipeline.State, error) {
	return f.history, nil
}

func runningState() *pipeline.State {
	st := pipeline.NewState(pipeline.Input{
		TicketID: "T-1",
		ThreadID: "thread-1",
		Title:    "Add login",
		Action:   pipeline.ActionFullPipeline,
	})
	st.CurrentStage = pipeline.StageGeneration
	st.Phase = pipeline.PhaseGenerationRunning
	st.Confidence[pipeline.StageRequirement] = 0.9
	st.AddResult(pipeline.AgentResult{
		Stage:   pipeline.StageRequirement,
		Agent:   "RequirementAgent",
		Mode:    pipeline.ModeStandard,
		Attempt: 1,
		Outcome: pipeline.StageOutcome{Success: true, Confidence: 0.9},
	})
	return st
}

func TestNewModel(t *testing.T) {
	src := &fakeSource{}
	model := NewModel(src, "thread-1", 5*time.Second)
	assert.Equal(t, "thread-1", model.threadID)
	assert.Equal(t, 5*time.Second, model.interval)
	assert.False(t, model.quitting)
	assert.False(t, model.exitOnDone)

	model = NewModel(src, "thread-1", 0, WithExitOnDone())
	assert.Equal(t, 2*time.Second, model.interval)
	assert.True(t, model.exitOnDone)
}

func TestModel_Init(t *testing.T) {
	model := NewModel(&fakeSource{}, "thread-1", time.Second)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_Keys(t *testing.T) {
	model := NewModel(&fakeSource{}, "thread-1", time.Second)

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)

	updated, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.True(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, updated.View())
}

func TestModel_Update_TickMsg(t *testing.T) {
	model := NewModel(&fakeSource{}, "thread-1", time.Second)
	_, cmd := model.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)
}

func TestFetch(t *testing.T) {
	t.Run("waiting", func(t *testing.T) {
		msg := fetch(&fakeSource{}, "thread-1")()
		snap, ok := msg.(snapshotMsg)
		require.True(t, ok)
		assert.Nil(t, snap.State)
	})

	t.Run("error", func(t *testing.T) {
		msg := fetch(&fakeSource{err: errors.New("connection refused")}, "thread-1")()
		e, ok := msg.(errMsg)
		require.True(t, ok)
		assert.EqualError(t, e.err, "connection refused")
	})

	t.Run("snapshot", func(t *testing.T) {
		newest := runningState()
		oldest := runningState()
		oldest.Confidence = map[pipeline.Stage]float64{}
		src := &fakeSource{state: newest, history: []*pipeline.State{newest, oldest}}

		msg := fetch(src, "thread-1")()
		snap, ok := msg.(snapshotMsg)
		require.True(t, ok)
		assert.Equal(t, 2, snap.Checkpoints)
		assert.Equal(t, []float64{0, 0.9}, snap.ConfidenceHistory)
	})
}

func TestModel_View(t *testing.T) {
	src := &fakeSource{}
	model := NewModel(src, "thread-1", time.Second)

	updated, _ := model.Update(snapshotMsg{})
	assert.Contains(t, updated.View(), "Waiting for thread")

	updated, _ = updated.Update(errMsg{errors.New("boom")})
	view := updated.View()
	assert.Contains(t, view, "Cannot load thread")
	assert.Contains(t, view, "boom")

	st := runningState()
	st.AddError("generation: llm timeout")
	updated, _ = updated.Update(snapshotMsg(buildSnapshot(st, []*pipeline.State{st})))
	view = updated.View()
	assert.Nil(t, updated.(Model).Err())
	assert.Contains(t, view, "T-1")
	assert.Contains(t, view, "RUNNING")
	assert.Contains(t, view, "requirement")
	assert.Contains(t, view, "verification")
	assert.Contains(t, view, "0.90")
	assert.Contains(t, view, "llm timeout")
	assert.Contains(t, view, "33%")
}

func TestModel_ExitOnDone(t *testing.T) {
	st := runningState()
	model := NewModel(&fakeSource{}, "thread-1", time.Second, WithExitOnDone())

	updated, cmd := model.Update(snapshotMsg{State: st})
	assert.False(t, updated.(Model).quitting)
	assert.Nil(t, cmd)

	done := st.Clone()
	done.Finish(pipeline.PhaseCompleted)
	updated, cmd = updated.Update(snapshotMsg{State: done})
	assert.True(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
}

func TestPlannedStages(t *testing.T) {
	assert.Equal(t, []pipeline.Stage{pipeline.StageRequirement}, PlannedStages(pipeline.ActionExtractRequirements))
	assert.Equal(t, []pipeline.Stage{pipeline.StageRequirement, pipeline.StageGeneration}, PlannedStages(pipeline.ActionGenerateArtifact))
	assert.Equal(t, []pipeline.Stage{pipeline.StageRequirement, pipeline.StageVerification}, PlannedStages(pipeline.ActionGenerateVerification))
	assert.Equal(t, pipeline.AllStages(), PlannedStages(pipeline.ActionFullPipeline))
}

func TestStageStatusOf(t *testing.T) {
	st := runningState()
	assert.Equal(t, StageDone, StageStatusOf(st, pipeline.StageRequirement))
	assert.Equal(t, StageRunning, StageStatusOf(st, pipeline.StageGeneration))
	assert.Equal(t, StagePending, StageStatusOf(st, pipeline.StageVerification))

	st.AddResult(pipeline.AgentResult{Stage: pipeline.StageGeneration, Outcome: pipeline.StageOutcome{Success: false}})
	st.AddError("generation failed")
	st.Finish(pipeline.PhaseFailed)
	assert.Equal(t, StageFailed, StageStatusOf(st, pipeline.StageGeneration))
	assert.Equal(t, StagePending, StageStatusOf(st, pipeline.StageVerification))
}
