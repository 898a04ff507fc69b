package orchestrator

import (
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

// GateResults evaluates the final outcome of every stage st executed against
// the current thresholds, in stage order.
func (o *Orchestrator) GateResults(st *pipeline.State) []pipeline.GateResult {
	return gateResults(o.gate, st)
}

func gateResults(gate *pipeline.QualityGate, st *pipeline.State) []pipeline.GateResult {
	results := []pipeline.GateResult{}
	if st == nil {
		return results
	}
	for _, stage := range pipeline.AllStages() {
		last, ok := st.LastResult(stage)
		if !ok {
			continue
		}
		results = append(results, gate.Result(stage, last.Outcome))
	}
	return results
}

