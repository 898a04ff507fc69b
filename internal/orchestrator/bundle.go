package orchestrator

import (
	"context"

	"github.com/fyrsmithlabs/pipelined/internal/bundle"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

// RunWithBundle runs req and packages the final state as an output bundle.
func (o *Orchestrator) RunWithBundle(ctx context.Context, req Request) (*bundle.OutputBundle, error) {
	st, err := o.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Bundle(st)
}

// Bundle packages a finished state, evaluating its stage outcomes against the
// current gate thresholds.
func (o *Orchestrator) Bundle(st *pipeline.State) (*bundle.OutputBundle, error) {
	return bundle.FromState(st, o.GateResults(st))
}
