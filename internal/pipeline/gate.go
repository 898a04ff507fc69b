package pipeline

import (
	"fmt"
	"maps"
	"sync"
	"time"
)

const (
	// DefaultThreshold is the minimum confidence a stage must reach.
	DefaultThreshold = 0.7

	// MaxRetries bounds strict re-executions per stage.
	MaxRetries = 1
)

// Thresholds maps a stage to its minimum confidence. A stage without an
// entry is not gated.
type Thresholds map[Stage]float64

// DefaultThresholds returns DefaultThreshold for every stage.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StageRequirement:  DefaultThreshold,
		StageGeneration:   DefaultThreshold,
		StageVerification: DefaultThreshold,
	}
}

// Verdict is the gate's decision for one outcome.
type Verdict string

const (
	VerdictProceed         Verdict = "proceed"
	VerdictRetryWithStrict Verdict = "retry_with_strict"
)

// GateResult is a reportable record of one gate evaluation.
type GateResult struct {
	Name      string  `json:"gate_name"`
	Passed    bool    `json:"passed"`
	Threshold float64 `json:"threshold"`
	Actual    float64 `json:"actual_value"`
	Message   string  `json:"message,omitempty"`
}

// QualityGate decides whether a stage outcome is good enough to proceed.
// It is safe for concurrent use; thresholds may be replaced at runtime.
type QualityGate struct {
	mu         sync.RWMutex
	thresholds Thresholds
}

// NewQualityGate creates a gate. A nil map disables gating entirely.
func NewQualityGate(thresholds Thresholds) *QualityGate {
	return &QualityGate{thresholds: maps.Clone(thresholds)}
}

// SetThresholds replaces the thresholds used by later evaluations.
func (g *QualityGate) SetThresholds(thresholds Thresholds) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.thresholds = maps.Clone(thresholds)
}

// Threshold returns the configured threshold for stage.
func (g *QualityGate) Threshold(stage Stage) (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.thresholds[stage]
	return t, ok
}

// Passes reports whether outcome clears the gate for stage. Ungated stages
// always pass.
func (g *QualityGate) Passes(stage Stage, outcome StageOutcome) bool {
	threshold, ok := g.Threshold(stage)
	return passes(threshold, ok, outcome)
}

func passes(threshold float64, gated bool, outcome StageOutcome) bool {
	if !gated {
		return true
	}
	return outcome.Confidence >= threshold && !outcome.HasErrors && outcome.ItemCount > 0
}

// Evaluate returns VerdictRetryWithStrict when outcome fails the gate and
// the stage has retries left, together with the ledger entry to record for
// the retry. The threshold is read once, so the verdict and the decision
// reason always agree even while thresholds are being reloaded.
func (g *QualityGate) Evaluate(stage Stage, outcome StageOutcome, retries int) (Verdict, Decision) {
	threshold, ok := g.Threshold(stage)
	if passes(threshold, ok, outcome) || retries >= MaxRetries {
		return VerdictProceed, Decision{}
	}
	return VerdictRetryWithStrict, retryDecision(stage, outcome, threshold)
}

func retryDecision(stage Stage, outcome StageOutcome, threshold float64) Decision {
	return Decision{
		Stage:     stage,
		Decision:  DecisionRetryWithStrict,
		Reason:    fmt.Sprintf("Initial confidence %.2f < %g", outcome.Confidence, threshold),
		Timestamp: time.Now().UTC(),
	}
}

// Result reports the evaluation of outcome as a GateResult.
func (g *QualityGate) Result(stage Stage, outcome StageOutcome) GateResult {
	threshold, ok := g.Threshold(stage)
	res := GateResult{
		Name:      string(stage) + "_quality",
		Passed:    passes(threshold, ok, outcome),
		Threshold: threshold,
		Actual:    outcome.Confidence,
	}
	switch {
	case !ok:
		res.Message = "no threshold configured"
	case res.Passed:
		res.Message = "passed"
	case outcome.ItemCount == 0:
		res.Message = "no items produced"
	case outcome.HasErrors:
		res.Message = "output has validation errors"
	default:
		res.Message = fmt.Sprintf("confidence %.2f below %g", outcome.Confidence, threshold)
	}
	return res
}
