package orchestrator

import (
	"slices"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

func (o *Orchestrator) recordStats(stage pipeline.Stage, agent string, mode pipeline.Mode, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.stats[stage]
	if !ok {
		s = &StageStats{Stage: stage}
		o.stats[stage] = s
	}
	s.Agent = agent
	s.CurrentMode = mode
	s.Executions++
	if mode == pipeline.ModeStrict {
		s.Retries++
	}
	if !success {
		s.Failures++
	}
}

// Stats returns execution counters for every registered stage, in stage order.
func (o *Orchestrator) Stats() []StageStats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]StageStats, 0, len(o.stages))
	for _, stage := range o.registered() {
		if s, ok := o.stats[stage]; ok {
			out = append(out, *s)
			continue
		}
		out = append(out, StageStats{
			Stage:       stage,
			Agent:       o.stages[stage].Name(),
			CurrentMode: pipeline.ModeStandard,
		})
	}
	return out
}

// Agents describes the registered stage executors.
func (o *Orchestrator) Agents() []AgentInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]AgentInfo, 0, len(o.stages))
	for _, stage := range o.registered() {
		info := agentCatalog[stage]
		info.Name = o.stages[stage].Name()
		info.Stage = stage
		info.Capabilities = slices.Clone(info.Capabilities)
		info.Modes = []pipeline.Mode{pipeline.ModeStandard, pipeline.ModeStrict}
		out = append(out, info)
	}
	return out
}

// registered returns the stages with an executor, in stage order. Callers
// hold o.mu.
func (o *Orchestrator) registered() []pipeline.Stage {
	var out []pipeline.Stage
	for _, stage := range pipeline.AllStages() {
		if _, ok := o.stages[stage]; ok {
			out = append(out, stage)
		}
	}
	return out
}
