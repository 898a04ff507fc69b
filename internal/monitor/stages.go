package monitor

import "github.com/fyrsmithlabs/pipelined/internal/pipeline"

// StageStatus is the display status of one stage in a run.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageDone    StageStatus = "done"
	StageFailed  StageStatus = "failed"
)

// PlannedStages returns the stages action visits, in order.
func PlannedStages(action pipeline.Action) []pipeline.Stage {
	var stages []pipeline.Stage
	for next := pipeline.Route(action, pipeline.StageNone); next != pipeline.StageTerminal; next = pipeline.Route(action, next) {
		stages = append(stages, next)
	}
	return stages
}

// StageStatusOf derives the status of stage from st.
func StageStatusOf(st *pipeline.State, stage pipeline.Stage) StageStatus {
	if r, ok := st.LastResult(stage); ok && r.Outcome.Success {
		return StageDone
	}
	if st.CurrentStage == stage {
		if st.Status == pipeline.StatusRunning {
			return StageRunning
		}
		if st.Status == pipeline.StatusFailed {
			return StageFailed
		}
	}
	if _, ok := st.LastResult(stage); ok && st.Status != pipeline.StatusRunning {
		return StageFailed
	}
	return StagePending
}
