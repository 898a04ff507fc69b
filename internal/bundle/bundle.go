package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

// ErrNoState is returned when a bundle is requested for a nil state.
var ErrNoState = errors.New("no state to bundle")

// Status is the overall result recorded in a bundle.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Decision outcomes recorded for agent executions.
const (
	DecisionCompleted = "completed"
	DecisionFailed    = "failed"
)

// WorkflowDecision is one entry of the execution summary's decision log.
type WorkflowDecision struct {
	Node      string                 `json:"node"`
	Decision  string                 `json:"decision"`
	Reason    string                 `json:"reason"`
	Timestamp time.Time              `json:"timestamp"`
	Outcome   *pipeline.StageOutcome `json:"outcome,omitempty"`
}

// ExecutionSummary describes how a run went.
type ExecutionSummary struct {
	WorkflowID      string                `json:"workflow_id"`
	ThreadID        string                `json:"thread_id"`
	TicketID        string                `json:"ticket_id"`
	Action          pipeline.Action       `json:"action"`
	AgentsExecuted  []string              `json:"agents_executed"`
	Decisions       []WorkflowDecision    `json:"decisions"`
	QualityGates    []pipeline.GateResult `json:"quality_gates"`
	ExecutionTimeMS int64                 `json:"execution_time_ms"`
	StartedAt       time.Time             `json:"started_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	Retries         int                   `json:"retries"`
	FinalStatus     Status                `json:"final_status"`
	Errors          []string              `json:"errors"`
}

// OutputBundle is everything a run produced.
type OutputBundle struct {
	BundleID  string    `json:"bundle_id"`
	TicketID  string    `json:"ticket_id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`

	Requirements *pipeline.RequirementSet    `json:"requirements_spec,omitempty"`
	Artifact     *pipeline.Artifact          `json:"code_diff,omitempty"`
	Verification *pipeline.VerificationSuite `json:"test_suite,omitempty"`

	Summary ExecutionSummary `json:"execution_summary"`

	OverallConfidence  float64 `json:"overall_confidence"`
	QualityGatesPassed bool    `json:"quality_gates_passed"`
}

// NewID returns a bundle id of the form run-YYYY-MM-DD-xxxxxxxx.
func NewID(now time.Time) string {
	return fmt.Sprintf("run-%s-%s", now.UTC().Format(time.DateOnly), uuid.NewString()[:8])
}

// FromState builds a bundle from a finished run. gates are the quality gate
// results of the run's final stage outcomes.
func FromState(st *pipeline.State, gates []pipeline.GateResult) (*OutputBundle, error) {
	if st == nil {
		return nil, ErrNoState
	}
	st = st.Clone()
	now := time.Now().UTC()
	id := NewID(now)

	if gates == nil {
		gates = []pipeline.GateResult{}
	}

	b := &OutputBundle{
		BundleID:     id,
		TicketID:     st.TicketID,
		ThreadID:     st.ThreadID,
		CreatedAt:    now,
		Requirements: st.Requirements,
		Artifact:     st.Artifact,
		Verification: st.Verification,
		Summary: ExecutionSummary{
			WorkflowID:     id,
			ThreadID:       st.ThreadID,
			TicketID:       st.TicketID,
			Action:         st.Action,
			AgentsExecuted: agentsExecuted(st),
			Decisions:      decisions(st),
			QualityGates:   gates,
			StartedAt:      st.StartedAt,
			CompletedAt:    st.CompletedAt,
			Retries:        totalRetries(st),
			FinalStatus:    finalStatus(st),
			Errors:         st.Errors,
		},
		OverallConfidence: overallConfidence(st),
	}
	if st.CompletedAt != nil {
		b.Summary.ExecutionTimeMS = st.CompletedAt.Sub(st.StartedAt).Milliseconds()
	}

	b.QualityGatesPassed = len(st.Errors) == 0
	for _, g := range gates {
		if !g.Passed {
			b.QualityGatesPassed = false
		}
	}
	return b, nil
}

func agentsExecuted(st *pipeline.State) []string {
	agents := make([]string, 0, len(st.AgentResults))
	for _, r := range st.AgentResults {
		agents = append(agents, r.Agent)
	}
	return agents
}

// decisions merges agent executions and gate decisions in time order.
func decisions(st *pipeline.State) []WorkflowDecision {
	out := make([]WorkflowDecision, 0, len(st.AgentResults)+len(st.Decisions))
	for _, r := range st.AgentResults {
		d := WorkflowDecision{
			Node:      r.Agent,
			Decision:  DecisionCompleted,
			Reason:    fmt.Sprintf("%s mode attempt %d, confidence %.2f", r.Mode, r.Attempt, r.Outcome.Confidence),
			Timestamp: r.CompletedAt,
		}
		if !r.Outcome.Success {
			d.Decision = DecisionFailed
			d.Reason = fmt.Sprintf("%s mode attempt %d: %s", r.Mode, r.Attempt, r.Outcome.ErrorMessage)
		}
		outcome := r.Outcome
		d.Outcome = &outcome
		out = append(out, d)
	}
	for _, gd := range st.Decisions {
		out = append(out, WorkflowDecision{
			Node:      string(gd.Stage),
			Decision:  gd.Decision,
			Reason:    gd.Reason,
			Timestamp: gd.Timestamp,
		})
	}
	slices.SortStableFunc(out, func(a, b WorkflowDecision) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

func totalRetries(st *pipeline.State) int {
	n := 0
	for _, r := range st.Retries {
		n += r
	}
	return n
}

func finalStatus(st *pipeline.State) Status {
	switch {
	case st.Status == pipeline.StatusFailed:
		return StatusFailed
	case len(st.Errors) > 0:
		return StatusPartial
	default:
		return StatusSuccess
	}
}

// overallConfidence is the mean stage confidence over the artifacts present.
func overallConfidence(st *pipeline.State) float64 {
	var sum float64
	var n int
	add := func(present bool, stage pipeline.Stage) {
		if !present {
			return
		}
		sum += st.Confidence[stage]
		n++
	}
	add(st.Requirements != nil, pipeline.StageRequirement)
	add(st.Artifact != nil, pipeline.StageGeneration)
	add(st.Verification != nil, pipeline.StageVerification)
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// JSON returns the indented JSON encoding of the bundle.
func (b *OutputBundle) JSON() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// Files renders the bundle as a map of file name to content. Artifacts that
// the run did not produce have no files.
func (b *OutputBundle) Files() (map[string][]byte, error) {
	files := make(map[string][]byte)

	if b.Requirements != nil {
		raw, err := json.MarshalIndent(b.Requirements, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode requirements: %w", err)
		}
		files["requirements.json"] = raw
		files["requirements.md"] = []byte(RequirementsMarkdown(b.Requirements))
	}

	if b.Artifact != nil {
		files["patch.diff"] = []byte(b.Artifact.FullDiff())
		meta := b.Artifact.Clone()
		meta.UnifiedDiff = ""
		raw, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode code metadata: %w", err)
		}
		files["code_metadata.json"] = raw
	}

	if b.Verification != nil {
		name := "test_suite" + pipeline.LanguageExtension(b.Verification.Framework)
		files[name] = []byte(TestFile(b.Verification))
		meta := b.Verification.Clone()
		meta.TestFile = ""
		raw, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode test metadata: %w", err)
		}
		files["test_metadata.json"] = raw
	}

	raw, err := json.MarshalIndent(b.Summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode execution summary: %w", err)
	}
	files["execution_summary.json"] = raw

	raw, err = b.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	files["bundle.json"] = raw
	return files, nil
}

// WriteDir writes Files into dir, creating it if needed, and returns the
// written paths in name order.
func (b *OutputBundle) WriteDir(dir string) ([]string, error) {
	files, err := b.Files()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)

	paths := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, files[name], 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// TestFile returns the suite's test file, assembling it from the individual
// tests when the stage did not return one.
func TestFile(v *pipeline.VerificationSuite) string {
	if v.TestFile != "" {
		return v.TestFile
	}
	codes := make([]string, 0, len(v.Tests))
	for _, t := range v.Tests {
		codes = append(codes, t.Code)
	}
	return strings.Join(codes, "\n\n")
}
