package pipeline

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Defaults applied when a run does not name its language or test framework.
const (
	DefaultLanguage      = "python"
	DefaultTestFramework = "pytest"
)

// Input is everything a caller supplies to start a run.
type Input struct {
	TicketID           string `json:"ticket_id"`
	ThreadID           string `json:"thread_id,omitempty"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
	Action             Action `json:"action"`
	Repository         string `json:"repository,omitempty"`
	Language           string `json:"language,omitempty"`
	TestFramework      string `json:"test_framework,omitempty"`
}

// State is the record threaded through the stages of one run.
type State struct {
	Input

	Context *RepoContext `json:"context,omitempty"`

	Requirements *RequirementSet    `json:"requirements,omitempty"`
	Artifact     *Artifact          `json:"artifact,omitempty"`
	Verification *VerificationSuite `json:"verification,omitempty"`

	AgentResults []AgentResult `json:"agent_results"`
	Errors       []string      `json:"errors"`
	Decisions    []Decision    `json:"decisions,omitempty"`

	CurrentStage Stage      `json:"current_stage,omitempty"`
	Phase        Phase      `json:"phase"`
	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	Confidence map[Stage]float64 `json:"confidence"`
	Retries    map[Stage]int     `json:"retries"`
	Mode       Mode              `json:"mode"`
}

// NewState creates the initial state of a run. A thread id is generated when
// the input has none.
func NewState(in Input) *State {
	if in.ThreadID == "" {
		in.ThreadID = uuid.NewString()
	}
	return &State{
		Input:        in,
		AgentResults: []AgentResult{},
		Errors:       []string{},
		Phase:        PhaseNotStarted,
		Status:       StatusRunning,
		StartedAt:    time.Now().UTC(),
		Confidence:   map[Stage]float64{},
		Retries:      map[Stage]int{},
		Mode:         ModeStandard,
	}
}

// Clone returns a deep copy of s. Mutating the copy never affects s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Context = s.Context.Clone()
	c.Requirements = s.Requirements.Clone()
	c.Artifact = s.Artifact.Clone()
	c.Verification = s.Verification.Clone()

	if s.AgentResults != nil {
		c.AgentResults = make([]AgentResult, len(s.AgentResults))
		for i, r := range s.AgentResults {
			r.Outcome = r.Outcome.clone()
			c.AgentResults[i] = r
		}
	}
	c.Errors = slices.Clone(s.Errors)
	c.Decisions = slices.Clone(s.Decisions)
	c.Confidence = maps.Clone(s.Confidence)
	c.Retries = maps.Clone(s.Retries)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// AddError appends msg to the error ledger.
func (s *State) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// AddResult appends r to the agent result ledger.
func (s *State) AddResult(r AgentResult) {
	s.AgentResults = append(s.AgentResults, r)
}

// AddDecision appends d to the decision ledger.
func (s *State) AddDecision(d Decision) {
	s.Decisions = append(s.Decisions, d)
}

// HasRequirements reports whether the requirement stage produced a result.
func (s *State) HasRequirements() bool {
	return s.Requirements != nil
}

// Completed reports whether the run has terminated.
func (s *State) Completed() bool {
	return s.CompletedAt != nil
}

// Finish records termination. It is a no-op once the run has terminated.
func (s *State) Finish(phase Phase) {
	if s.CompletedAt != nil {
		return
	}
	now := time.Now().UTC()
	s.CompletedAt = &now
	s.Phase = phase
	s.Status = DeriveStatus(phase, s.Errors)
}

// DeriveStatus maps a terminal phase and the error ledger to a Status.
func DeriveStatus(phase Phase, errs []string) Status {
	switch {
	case phase == PhaseFailed:
		return StatusFailed
	case !phase.Terminal():
		return StatusRunning
	case len(errs) > 0:
		return StatusCompletedWithErrors
	default:
		return StatusCompleted
	}
}

// LastResult returns the most recent agent result for stage.
func (s *State) LastResult(stage Stage) (AgentResult, bool) {
	for i := len(s.AgentResults) - 1; i >= 0; i-- {
		if s.AgentResults[i].Stage == stage {
			return s.AgentResults[i], true
		}
	}
	return AgentResult{}, false
}
