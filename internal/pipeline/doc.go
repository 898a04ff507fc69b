// Package pipeline defines the data model and decision logic of the
// requirement -> generation -> verification pipeline.
//
// # State
//
// State is the record threaded through every stage of one run. Stages never
// mutate the State they receive: they Clone it, patch the clone and return it,
// so every checkpointed snapshot stays valid after later transitions.
//
// The ledger fields (AgentResults, Errors, Decisions) are append-only.
// ThreadID is fixed at creation and CompletedAt is set at most once.
//
// # Routing
//
// Route is a pure function of the requested Action and the stage that just
// completed. It never looks at confidence scores:
//
//	extract-requirements:  requirement -> terminal
//	generate-artifact:     requirement -> generation -> terminal
//	generate-verification: requirement -> verification -> terminal
//	full-pipeline:         requirement -> generation -> verification -> terminal
//
// # Quality gate
//
// QualityGate compares a StageOutcome against a per-stage threshold. A stage
// that fails the gate is re-run once in ModeStrict and the retry result is
// accepted whatever its score.
//
// # Phases
//
// Phase is the explicit state machine of a run. Transition validates every
// move; Completed and Failed are terminal.
package pipeline
