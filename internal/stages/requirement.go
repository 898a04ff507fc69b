package stages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

const requirementSystemStandard = `You are an expert requirements analyst. Analyze the given ticket/repository information and extract structured requirements.

Return ONLY valid JSON in this exact format (no markdown, no code blocks):
{
  "functional_requirements": [
    {
      "id": "FR-001",
      "type": "functional",
      "description": "Clear requirement description",
      "priority": "high",
      "source": "ticket description",
      "acceptance_criteria": ["criterion 1", "criterion 2"],
      "edge_cases": ["edge case 1"]
    }
  ],
  "non_functional_requirements": [
    {
      "id": "NFR-001",
      "type": "non-functional",
      "description": "Performance or quality requirement",
      "priority": "medium"
    }
  ],
  "constraints": [
    {
      "id": "CON-001",
      "type": "constraint",
      "description": "Technical or business constraint",
      "priority": "high"
    }
  ],
  "edge_cases": ["Edge case 1", "Edge case 2"],
  "assumptions": ["Assumption 1", "Assumption 2"],
  "summary": "Brief summary of the analysis",
  "confidence_score": 0.85,
  "reasoning_steps": ["Step 1: Analyzed title", "Step 2: Extracted requirements"]
}

Types: functional, non-functional, constraint
Priorities: high, medium, low

Extract at least 3-5 meaningful requirements. Be thorough but concise.`

const requirementSystemStrict = `You are a senior requirements analyst. Your task is to extract PRECISE, ACTIONABLE requirements from the given input.

CRITICAL RULES:
1. Every requirement MUST be testable and measurable
2. Every requirement MUST have clear acceptance criteria
3. Identify ALL edge cases - missing edge cases cause production bugs
4. Be explicit about assumptions - implicit assumptions cause scope creep
5. Prioritize based on business value and technical risk

Return ONLY valid JSON in this EXACT format:
{
  "functional_requirements": [
    {
      "id": "FR-001",
      "type": "functional",
      "description": "PRECISE description of what the system SHALL do",
      "priority": "high",
      "source": "exact source in input",
      "acceptance_criteria": [
        "GIVEN [precondition] WHEN [action] THEN [result]",
        "GIVEN [precondition] WHEN [action] THEN [result]"
      ],
      "edge_cases": [
        "What happens when [boundary condition]",
        "What happens when [error condition]"
      ]
    }
  ],
  "non_functional_requirements": [
    {
      "id": "NFR-001",
      "type": "non-functional",
      "description": "MEASURABLE quality attribute (e.g., 'Response time < 200ms')",
      "priority": "high",
      "acceptance_criteria": ["Specific measurement criteria"]
    }
  ],
  "constraints": [
    {
      "id": "CON-001",
      "type": "constraint",
      "description": "Technical or business limitation",
      "priority": "high"
    }
  ],
  "edge_cases": [
    "Null/empty input handling",
    "Boundary value handling",
    "Concurrent access handling",
    "Error state recovery"
  ],
  "assumptions": ["Explicit assumption with rationale"],
  "summary": "Executive summary of requirements scope",
  "confidence_score": 0.95,
  "reasoning_steps": [
    "Step 1: Identified primary user story",
    "Step 2: Decomposed into functional requirements",
    "Step 3: Identified quality attributes",
    "Step 4: Analyzed edge cases",
    "Step 5: Documented assumptions"
  ]
}

MINIMUM REQUIREMENTS:
- At least 3 functional requirements
- At least 1 non-functional requirement
- At least 3 edge cases
- At least 2 acceptance criteria per functional requirement`

// Strict requirement minimums.
const (
	minFunctionalRequirements = 3
	minEdgeCases              = 3
	minAcceptanceCriteria     = 2
)

// RequirementInput is what the requirement strategies build a prompt from.
type RequirementInput struct {
	TicketID           string
	Title              string
	Description        string
	AcceptanceCriteria string
	Codebase           string
	Similar            []pipeline.Reference
}

// RequirementStrategy builds and parses requirement requests for one mode.
type RequirementStrategy struct {
	Mode        pipeline.Mode
	Temperature float64
}

// BuildRequest renders the prompt for in.
func (s RequirementStrategy) BuildRequest(in RequirementInput) Prompt {
	var b strings.Builder
	strict := s.Mode == pipeline.ModeStrict

	if strict {
		b.WriteString("STRICT ANALYSIS REQUIRED\n\nAnalyze this input with maximum rigor:\n\n")
	} else {
		b.WriteString("Analyze this and extract requirements:\n\n")
	}
	fmt.Fprintf(&b, "TITLE: %s\n\nDESCRIPTION:\n%s\n", in.Title, in.Description)

	if in.AcceptanceCriteria != "" {
		label := "ACCEPTANCE CRITERIA"
		if strict {
			label = "EXISTING ACCEPTANCE CRITERIA"
		}
		fmt.Fprintf(&b, "\n%s:\n%s\n", label, in.AcceptanceCriteria)
	}
	if in.Codebase != "" {
		fmt.Fprintf(&b, "\nREPOSITORY CONTEXT (for understanding the domain, NOT for implementation details):\n%s\n", in.Codebase)
	}
	if len(in.Similar) > 0 {
		fmt.Fprintf(&b, "\nSIMILAR PAST TICKETS:\n%s\n", formatReferences(in.Similar))
	}

	if strict {
		b.WriteString(`
REQUIRED OUTPUT:
1. Extract ALL functional requirements (minimum 3)
2. Identify ALL non-functional requirements (performance, security, etc.)
3. Document ALL constraints
4. List ALL edge cases (minimum 3) - think about:
   - Null/empty inputs
   - Boundary values
   - Error conditions
   - Concurrent access
   - Data validation failures
5. State ALL assumptions explicitly

Be thorough. Missing requirements cause project failures.`)
	} else {
		b.WriteString(`
Extract comprehensive requirements including:
1. Functional requirements (what the system should do)
2. Non-functional requirements (performance, security, usability)
3. Constraints (technical or business limitations)
4. Edge cases to consider
5. Assumptions made`)
	}

	system := requirementSystemStandard
	if strict {
		system = requirementSystemStrict
	}
	return Prompt{System: system, User: b.String(), Temperature: s.Temperature}
}

type rawRequirement struct {
	ID                 string   `json:"id"`
	Description        string   `json:"description"`
	Priority           string   `json:"priority"`
	Source             string   `json:"source"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	EdgeCases          []string `json:"edge_cases"`
}

type requirementResponse struct {
	Functional     []rawRequirement `json:"functional_requirements"`
	NonFunctional  []rawRequirement `json:"non_functional_requirements"`
	Constraints    []rawRequirement `json:"constraints"`
	EdgeCases      []string         `json:"edge_cases"`
	Assumptions    []string         `json:"assumptions"`
	Summary        string           `json:"summary"`
	Confidence     *float64         `json:"confidence_score"`
	ReasoningSteps []string         `json:"reasoning_steps"`
}

func convertRequirements(in []rawRequirement, kind, prefix string) []pipeline.Requirement {
	out := make([]pipeline.Requirement, 0, len(in))
	for i, r := range in {
		req := pipeline.Requirement{
			ID:                 r.ID,
			Type:               kind,
			Description:        r.Description,
			Priority:           r.Priority,
			Source:             r.Source,
			AcceptanceCriteria: r.AcceptanceCriteria,
			EdgeCases:          r.EdgeCases,
		}
		if req.ID == "" {
			req.ID = fmt.Sprintf("%s-%03d", prefix, i+1)
		}
		if req.Priority == "" {
			req.Priority = "medium"
		}
		out = append(out, req)
	}
	return out
}

// ParseResponse decodes raw into a requirement set and scores it.
func (s RequirementStrategy) ParseResponse(raw string) (*pipeline.RequirementSet, pipeline.StageOutcome, error) {
	var resp requirementResponse
	if err := decode(raw, &resp); err != nil {
		return nil, pipeline.StageOutcome{}, err
	}
	if s.Mode == pipeline.ModeStrict {
		if err := validateStrict(raw, requirementValidator); err != nil {
			return nil, pipeline.StageOutcome{}, err
		}
	}

	set := &pipeline.RequirementSet{
		Functional:     convertRequirements(resp.Functional, pipeline.RequirementFunctional, "FR"),
		NonFunctional:  convertRequirements(resp.NonFunctional, pipeline.RequirementNonFunctional, "NFR"),
		Constraints:    convertRequirements(resp.Constraints, pipeline.RequirementConstraint, "CON"),
		EdgeCases:      resp.EdgeCases,
		Assumptions:    resp.Assumptions,
		Summary:        resp.Summary,
		ReasoningSteps: resp.ReasoningSteps,
	}
	n := set.Count()
	if set.Summary == "" {
		set.Summary = fmt.Sprintf("Extracted %d requirements", n)
	}

	if s.Mode != pipeline.ModeStrict {
		def := 0.0
		if n > 0 {
			def = 0.8
		}
		return set, pipeline.StageOutcome{
			Success:      true,
			Confidence:   clamp01(reportedConfidence(resp.Confidence, def)),
			Completeness: ratio(n, 5),
			ItemCount:    n,
			HasErrors:    n == 0,
		}, nil
	}

	var warnings []string
	confidence := reportedConfidence(resp.Confidence, 0.9)
	if fr := len(set.Functional); fr < minFunctionalRequirements {
		warnings = append(warnings, fmt.Sprintf("Only %d functional requirements (minimum %d)", fr, minFunctionalRequirements))
		confidence -= 0.1
	}
	if ec := len(set.EdgeCases); ec < minEdgeCases {
		warnings = append(warnings, fmt.Sprintf("Only %d edge cases (minimum %d)", ec, minEdgeCases))
		confidence -= 0.1
	}

	covered := 0
	for _, fr := range set.Functional {
		if len(fr.AcceptanceCriteria) >= minAcceptanceCriteria {
			covered++
		}
	}
	acCoverage := float64(covered) / float64(max(len(set.Functional), 1))
	confidence *= 0.8 + 0.2*acCoverage

	return set, pipeline.StageOutcome{
		Success:      true,
		Confidence:   clamp01(confidence),
		Completeness: ratio(n+len(set.EdgeCases), 8),
		ItemCount:    n,
		HasErrors:    len(warnings) > 0,
		Warnings:     warnings,
	}, nil
}

// RequirementStage extracts structured requirements from the ticket.
type RequirementStage struct {
	gen    Generator
	opts   Options
	logger *zap.Logger
}

// NewRequirementStage creates the requirement stage.
func NewRequirementStage(gen Generator, opts Options) *RequirementStage {
	opts = opts.withDefaults()
	return &RequirementStage{gen: gen, opts: opts, logger: opts.Logger}
}

// Stage implements Executor.
func (r *RequirementStage) Stage() pipeline.Stage { return pipeline.StageRequirement }

// Name implements Executor.
func (r *RequirementStage) Name() string { return AgentRequirementAnalyzer }

// Strategy returns the strategy for mode.
func (r *RequirementStage) Strategy(mode pipeline.Mode) RequirementStrategy {
	return RequirementStrategy{Mode: mode, Temperature: r.opts.temperature(mode)}
}

// Precondition requires a ticket with a title or description.
func (r *RequirementStage) Precondition(st *pipeline.State) error {
	if st == nil || (strings.TrimSpace(st.Title) == "" && strings.TrimSpace(st.Description) == "") {
		return fmt.Errorf("%w: requirement stage needs a ticket title or description", ErrPrecondition)
	}
	return nil
}

// Execute implements Executor.
func (r *RequirementStage) Execute(ctx context.Context, st *pipeline.State, mode pipeline.Mode) (*pipeline.State, pipeline.StageOutcome, error) {
	if err := r.Precondition(st); err != nil {
		return st, pipeline.StageOutcome{}, err
	}
	next := st.Clone()

	in := RequirementInput{
		TicketID:           st.TicketID,
		Title:              st.Title,
		Description:        st.Description,
		AcceptanceCriteria: st.AcceptanceCriteria,
		Codebase:           CodebaseContext(st.Context, r.opts.PromptFileChars),
		Similar:            r.similar(ctx, st),
	}

	strategy := r.Strategy(mode)
	raw, err := r.gen.Complete(ctx, strategy.BuildRequest(in))
	if err != nil {
		return next, failed(next, r.Name(), fmt.Errorf("generate: %w", err)), nil
	}

	set, outcome, err := strategy.ParseResponse(raw)
	if err != nil {
		return next, failed(next, r.Name(), err), nil
	}
	set.RAGSources = referenceSources(in.Similar)
	next.Requirements = set

	r.logger.Debug("requirements extracted",
		zap.String("thread_id", st.ThreadID),
		zap.String("mode", string(mode)),
		zap.Int("count", outcome.ItemCount),
		zap.Float64("confidence", outcome.Confidence),
	)
	return next, outcome, nil
}

func (r *RequirementStage) similar(ctx context.Context, st *pipeline.State) []pipeline.Reference {
	if r.opts.Retriever == nil {
		return nil
	}
	refs, err := r.opts.Retriever.SimilarTickets(ctx, st.Title+"\n"+st.Description, similarResults)
	if err != nil {
		r.logger.Warn("similar ticket lookup failed", zap.String("thread_id", st.ThreadID), zap.Error(err))
		return nil
	}
	return refs
}
