package pipeline

import (
	"fmt"
	"time"
)

// Action is the work requested for a run.
type Action string

const (
	// ActionExtractRequirements runs the requirement stage only.
	ActionExtractRequirements Action = "extract-requirements"

	// ActionGenerateArtifact runs requirement then generation.
	ActionGenerateArtifact Action = "generate-artifact"

	// ActionGenerateVerification runs requirement then verification, skipping generation.
	ActionGenerateVerification Action = "generate-verification"

	// ActionFullPipeline runs all three stages.
	ActionFullPipeline Action = "full-pipeline"
)

// AllActions returns every known action.
func AllActions() []Action {
	return []Action{
		ActionExtractRequirements,
		ActionGenerateArtifact,
		ActionGenerateVerification,
		ActionFullPipeline,
	}
}

// ParseAction validates s as an Action.
func ParseAction(s string) (Action, error) {
	for _, a := range AllActions() {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Stage identifies one of the fixed pipeline steps.
type Stage string

const (
	// StageNone marks a run that has not executed any stage yet.
	StageNone Stage = ""

	StageRequirement  Stage = "requirement"
	StageGeneration   Stage = "generation"
	StageVerification Stage = "verification"

	// StageTerminal is the Router decision meaning no further stage runs.
	StageTerminal Stage = "terminal"
)

// AllStages returns the stages in execution order.
func AllStages() []Stage {
	return []Stage{StageRequirement, StageGeneration, StageVerification}
}

// Mode selects the standard or strict execution path of a stage.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeStrict   Mode = "strict"
)

// Status is the externally visible result of a run.
type Status string

const (
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
)

// StageOutcome is what a stage reports about one execution.
type StageOutcome struct {
	Success      bool     `json:"success"`
	Confidence   float64  `json:"confidence_score"`
	Completeness float64  `json:"completeness_score"`
	ItemCount    int      `json:"items_count"`
	HasErrors    bool     `json:"has_errors"`
	Warnings     []string `json:"warnings,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// AgentResult records one stage execution in the ledger.
type AgentResult struct {
	Stage       Stage        `json:"stage"`
	Agent       string       `json:"agent"`
	Mode        Mode         `json:"mode"`
	Attempt     int          `json:"attempt"`
	Outcome     StageOutcome `json:"outcome"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Decision records a quality gate decision.
type Decision struct {
	Stage     Stage     `json:"stage"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// DecisionRetryWithStrict is recorded when a stage is re-run in strict mode.
const DecisionRetryWithStrict = "retry_with_strict"
