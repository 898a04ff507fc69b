// Package orchestrator drives a pipeline run from ticket to output bundle.
//
// # Run loop
//
// An Orchestrator holds one stages.Executor per pipeline stage, a
// checkpoint.Store and an optional events.Sink. A run:
//
//  1. emits workflow_start and fetches the repository context once,
//  2. asks pipeline.Route for the next stage until it returns StageTerminal,
//  3. checks the stage precondition; a miss fails the run immediately,
//  4. executes the stage in standard mode and consults the QualityGate,
//     re-running it once in strict mode when the gate rejects the outcome,
//  5. checkpoints after every stage and at termination,
//  6. emits workflow_complete or workflow_error.
//
// Stage failures are recorded in the state's error ledger and the run goes
// on; only a missing precondition is fatal.
//
// # Entry points
//
// Run executes synchronously, Stream returns the ordered event channel,
// Resume restarts a known thread from its checkpointed inputs, and
// RunWithBundle packages the final state as a bundle.OutputBundle. GetState
// and GetHistory read the checkpoint store.
package orchestrator
