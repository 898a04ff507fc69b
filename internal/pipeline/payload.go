package pipeline

import (
	"fmt"
	"slices"
	"strings"
)

// Requirement types.
const (
	RequirementFunctional    = "functional"
	RequirementNonFunctional = "non-functional"
	RequirementConstraint    = "constraint"
)

// Requirement is a single extracted requirement.
type Requirement struct {
	ID                 string   `json:"id"`
	Type               string   `json:"type"`
	Description        string   `json:"description"`
	Priority           string   `json:"priority"`
	Source             string   `json:"source,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	EdgeCases          []string `json:"edge_cases,omitempty"`
}

// RequirementSet is the output of the requirement stage.
type RequirementSet struct {
	Functional     []Requirement `json:"functional_requirements"`
	NonFunctional  []Requirement `json:"non_functional_requirements"`
	Constraints    []Requirement `json:"constraints"`
	EdgeCases      []string      `json:"edge_cases,omitempty"`
	Assumptions    []string      `json:"assumptions,omitempty"`
	Summary        string        `json:"summary"`
	ReasoningSteps []string      `json:"reasoning_steps,omitempty"`
	RAGSources     []string      `json:"rag_sources_used,omitempty"`
}

// All returns functional, non-functional and constraint requirements in that order.
func (r *RequirementSet) All() []Requirement {
	if r == nil {
		return nil
	}
	all := make([]Requirement, 0, r.Count())
	all = append(all, r.Functional...)
	all = append(all, r.NonFunctional...)
	return append(all, r.Constraints...)
}

// Count returns the number of requirements of every type.
func (r *RequirementSet) Count() int {
	if r == nil {
		return 0
	}
	return len(r.Functional) + len(r.NonFunctional) + len(r.Constraints)
}

// DiffHunk is one hunk of a unified diff.
type DiffHunk struct {
	File        string `json:"file"`
	OldStart    int    `json:"old_start"`
	OldCount    int    `json:"old_count"`
	NewStart    int    `json:"new_start"`
	NewCount    int    `json:"new_count"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
}

// GeneratedFile is a complete file produced by the generation stage.
type GeneratedFile struct {
	Filename    string `json:"filename"`
	Language    string `json:"language"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
	LineCount   int    `json:"line_count"`
	IsNew       bool   `json:"is_new"`
}

// ImpactAnalysis describes what a generated change touches.
type ImpactAnalysis struct {
	AffectedClasses    []string `json:"affected_classes,omitempty"`
	AffectedMethods    []string `json:"affected_methods,omitempty"`
	AffectedTests      []string `json:"affected_tests,omitempty"`
	BreakingChangeRisk string   `json:"breaking_change_risk"`
	MigrationNotes     []string `json:"migration_notes,omitempty"`
}

// Artifact is the output of the generation stage.
type Artifact struct {
	FilesModified  []string        `json:"files_modified"`
	DiffHunks      []DiffHunk      `json:"diff_hunks"`
	GeneratedFiles []GeneratedFile `json:"generated_files"`
	UnifiedDiff    string          `json:"unified_diff,omitempty"`
	PatternsUsed   []string        `json:"patterns_used,omitempty"`
	Impact         ImpactAnalysis  `json:"impact_analysis"`
	Summary        string          `json:"summary"`
	ReasoningSteps []string        `json:"reasoning_trace,omitempty"`
	RAGSources     []string        `json:"rag_sources_used,omitempty"`
}

// ItemCount is the number of generated files plus diff hunks.
func (a *Artifact) ItemCount() int {
	if a == nil {
		return 0
	}
	return len(a.GeneratedFiles) + len(a.DiffHunks)
}

// FullDiff returns the unified diff, rendering it from the hunks when the
// stage did not return one.
func (a *Artifact) FullDiff() string {
	if a == nil {
		return ""
	}
	if a.UnifiedDiff != "" {
		return a.UnifiedDiff
	}
	var b strings.Builder
	for i, h := range a.DiffHunks {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "diff --git a/%s b/%s\n", h.File, h.File)
		fmt.Fprintf(&b, "--- a/%s\n", h.File)
		fmt.Fprintf(&b, "+++ b/%s\n", h.File)
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		b.WriteString(h.Content)
	}
	return b.String()
}

// Test types.
const (
	TestUnit        = "unit"
	TestIntegration = "integration"
	TestE2E         = "e2e"
	TestBoundary    = "boundary"
)

// GeneratedTest is a single verification case.
type GeneratedTest struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	TestType          string `json:"test_type"`
	Code              string `json:"code"`
	CoversRequirement string `json:"covers_requirement,omitempty"`
	CoversMethod      string `json:"covers_method,omitempty"`
	Assertions        int    `json:"assertions"`
}

// CoverageMetrics are the coverage figures reported for a suite, in percent.
type CoverageMetrics struct {
	Method           float64 `json:"method_coverage"`
	Branch           float64 `json:"branch_coverage"`
	Line             float64 `json:"line_coverage"`
	AssertionDensity float64 `json:"assertion_density"`
	EdgeCase         float64 `json:"edge_case_coverage"`
}

// VerificationSuite is the output of the verification stage.
type VerificationSuite struct {
	Tests               []GeneratedTest `json:"tests"`
	TestFile            string          `json:"test_file"`
	Framework           string          `json:"test_framework"`
	TargetFiles         []string        `json:"target_files,omitempty"`
	Coverage            CoverageMetrics `json:"coverage_metrics"`
	CoveredRequirements []string        `json:"covered_requirements,omitempty"`
	Summary             string          `json:"summary"`
	ReasoningSteps      []string        `json:"reasoning_trace,omitempty"`
}

// TotalAssertions sums assertions across all tests.
func (v *VerificationSuite) TotalAssertions() int {
	if v == nil {
		return 0
	}
	n := 0
	for _, t := range v.Tests {
		n += t.Assertions
	}
	return n
}

// ContextFile is one repository file captured for prompt context.
type ContextFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int    `json:"size"`
}

// Context sources.
const (
	ContextSourceGitHub = "github"
	ContextSourceLocal  = "local"
	ContextSourceNone   = "none"
)

// RepoContext is the repository snapshot fetched once at run start.
type RepoContext struct {
	Repository string        `json:"repository,omitempty"`
	Source     string        `json:"source"`
	Structure  string        `json:"structure"`
	Files      []ContextFile `json:"files,omitempty"`
}

func (r *Requirement) clone() Requirement {
	c := *r
	c.AcceptanceCriteria = slices.Clone(r.AcceptanceCriteria)
	c.EdgeCases = slices.Clone(r.EdgeCases)
	return c
}

func cloneRequirements(in []Requirement) []Requirement {
	if in == nil {
		return nil
	}
	out := make([]Requirement, len(in))
	for i := range in {
		out[i] = in[i].clone()
	}
	return out
}

// Clone returns a deep copy.
func (r *RequirementSet) Clone() *RequirementSet {
	if r == nil {
		return nil
	}
	return &RequirementSet{
		Functional:     cloneRequirements(r.Functional),
		NonFunctional:  cloneRequirements(r.NonFunctional),
		Constraints:    cloneRequirements(r.Constraints),
		EdgeCases:      slices.Clone(r.EdgeCases),
		Assumptions:    slices.Clone(r.Assumptions),
		Summary:        r.Summary,
		ReasoningSteps: slices.Clone(r.ReasoningSteps),
		RAGSources:     slices.Clone(r.RAGSources),
	}
}

// Clone returns a deep copy.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	c.FilesModified = slices.Clone(a.FilesModified)
	c.DiffHunks = slices.Clone(a.DiffHunks)
	c.GeneratedFiles = slices.Clone(a.GeneratedFiles)
	c.PatternsUsed = slices.Clone(a.PatternsUsed)
	c.ReasoningSteps = slices.Clone(a.ReasoningSteps)
	c.RAGSources = slices.Clone(a.RAGSources)
	c.Impact = ImpactAnalysis{
		AffectedClasses:    slices.Clone(a.Impact.AffectedClasses),
		AffectedMethods:    slices.Clone(a.Impact.AffectedMethods),
		AffectedTests:      slices.Clone(a.Impact.AffectedTests),
		BreakingChangeRisk: a.Impact.BreakingChangeRisk,
		MigrationNotes:     slices.Clone(a.Impact.MigrationNotes),
	}
	return &c
}

// Clone returns a deep copy.
func (v *VerificationSuite) Clone() *VerificationSuite {
	if v == nil {
		return nil
	}
	c := *v
	c.Tests = slices.Clone(v.Tests)
	c.TargetFiles = slices.Clone(v.TargetFiles)
	c.CoveredRequirements = slices.Clone(v.CoveredRequirements)
	c.ReasoningSteps = slices.Clone(v.ReasoningSteps)
	return &c
}

// Clone returns a deep copy.
func (r *RepoContext) Clone() *RepoContext {
	if r == nil {
		return nil
	}
	c := *r
	c.Files = slices.Clone(r.Files)
	return &c
}

func (o StageOutcome) clone() StageOutcome {
	o.Warnings = slices.Clone(o.Warnings)
	return o
}

// Reference is a prior ticket or code snippet retrieved from the knowledge index.
type Reference struct {
	ID      string  `json:"id"`
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

// LanguageExtension returns the file extension, with the dot, for a language
// or test framework name. Unknown names map to ".txt".
func LanguageExtension(lang string) string {
	switch strings.ToLower(lang) {
	case "python", "pytest", "unittest":
		return ".py"
	case "go", "golang", "testing":
		return ".go"
	case "javascript", "js", "jest", "mocha":
		return ".js"
	case "typescript", "ts", "vitest":
		return ".ts"
	case "java", "junit":
		return ".java"
	case "rust", "cargo":
		return ".rs"
	case "ruby", "rspec":
		return ".rb"
	default:
		return ".txt"
	}
}
