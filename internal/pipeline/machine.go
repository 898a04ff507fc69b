package pipeline

import "fmt"

// Phase is the state machine position of a run.
type Phase string

const (
	PhaseNotStarted          Phase = "not_started"
	PhaseRequirementRunning  Phase = "requirement_running"
	PhaseRequirementDone     Phase = "requirement_done"
	PhaseGenerationRunning   Phase = "generation_running"
	PhaseGenerationDone      Phase = "generation_done"
	PhaseVerificationRunning Phase = "verification_running"
	PhaseCompleted           Phase = "completed"
	PhaseFailed              Phase = "failed"
)

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

var transitions = map[Phase][]Phase{
	PhaseNotStarted:          {PhaseRequirementRunning},
	PhaseRequirementRunning:  {PhaseRequirementDone},
	PhaseRequirementDone:     {PhaseGenerationRunning, PhaseVerificationRunning, PhaseCompleted},
	PhaseGenerationRunning:   {PhaseGenerationDone},
	PhaseGenerationDone:      {PhaseVerificationRunning, PhaseCompleted},
	PhaseVerificationRunning: {PhaseCompleted},
}

// Transition validates a move from one phase to another. Any non-terminal
// phase may move to PhaseFailed.
func Transition(from, to Phase) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == PhaseFailed {
		return nil
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// RunningPhase returns the phase entered when stage starts.
func RunningPhase(stage Stage) Phase {
	switch stage {
	case StageRequirement:
		return PhaseRequirementRunning
	case StageGeneration:
		return PhaseGenerationRunning
	case StageVerification:
		return PhaseVerificationRunning
	default:
		return PhaseFailed
	}
}

// DonePhase returns the phase entered when stage finishes. Verification has
// no done phase of its own because the router always terminates after it.
func DonePhase(stage Stage) Phase {
	switch stage {
	case StageRequirement:
		return PhaseRequirementDone
	case StageGeneration:
		return PhaseGenerationDone
	case StageVerification:
		return PhaseCompleted
	default:
		return PhaseFailed
	}
}
