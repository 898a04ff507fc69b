package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualityGate_Passes(t *testing.T) {
	gate := NewQualityGate(DefaultThresholds())

	tests := []struct {
		name    string
		outcome StageOutcome
		want    bool
	}{
		{"above threshold", StageOutcome{Success: true, Confidence: 0.85, ItemCount: 3}, true},
		{"exactly threshold", StageOutcome{Success: true, Confidence: 0.7, ItemCount: 1}, true},
		{"below threshold", StageOutcome{Success: true, Confidence: 0.5, ItemCount: 3}, false},
		{"has errors", StageOutcome{Success: true, Confidence: 0.9, ItemCount: 3, HasErrors: true}, false},
		{"no items", StageOutcome{Success: true, Confidence: 0.9}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gate.Passes(StageRequirement, tt.outcome))
		})
	}
}

func TestQualityGate_Evaluate(t *testing.T) {
	gate := NewQualityGate(DefaultThresholds())
	low := StageOutcome{Confidence: 0.5, ItemCount: 2}

	verdict, d := gate.Evaluate(StageGeneration, low, 0)
	assert.Equal(t, VerdictRetryWithStrict, verdict)
	assert.Equal(t, StageGeneration, d.Stage)

	verdict, d = gate.Evaluate(StageGeneration, low, MaxRetries)
	assert.Equal(t, VerdictProceed, verdict, "retry budget exhausted")
	assert.Empty(t, d.Decision)

	verdict, _ = gate.Evaluate(StageGeneration, StageOutcome{Confidence: 0.9, ItemCount: 1}, 0)
	assert.Equal(t, VerdictProceed, verdict)
}

func TestQualityGate_EvaluateConsistentUnderReload(t *testing.T) {
	gate := NewQualityGate(Thresholds{StageRequirement: 0.4})
	outcome := StageOutcome{Confidence: 0.5, ItemCount: 2}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			if i%2 == 0 {
				gate.SetThresholds(Thresholds{StageRequirement: 0.9})
			} else {
				gate.SetThresholds(Thresholds{StageRequirement: 0.4})
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		verdict, d := gate.Evaluate(StageRequirement, outcome, 0)
		if verdict == VerdictRetryWithStrict {
			require.Equal(t, "Initial confidence 0.50 < 0.9", d.Reason)
		}
	}
	<-done
}

func TestQualityGate_NoThresholdIsNoop(t *testing.T) {
	gate := NewQualityGate(Thresholds{StageRequirement: 0.7})

	empty := StageOutcome{}
	assert.True(t, gate.Passes(StageVerification, empty))
	verdict, _ := gate.Evaluate(StageVerification, empty, 0)
	assert.Equal(t, VerdictProceed, verdict)

	disabled := NewQualityGate(nil)
	assert.True(t, disabled.Passes(StageRequirement, empty))
}

func TestQualityGate_EvaluateRetryDecision(t *testing.T) {
	gate := NewQualityGate(DefaultThresholds())

	verdict, d := gate.Evaluate(StageRequirement, StageOutcome{Confidence: 0.5, ItemCount: 1}, 0)
	require.Equal(t, VerdictRetryWithStrict, verdict)

	assert.Equal(t, DecisionRetryWithStrict, d.Decision)
	assert.Equal(t, StageRequirement, d.Stage)
	assert.Equal(t, "Initial confidence 0.50 < 0.7", d.Reason)
	assert.False(t, d.Timestamp.IsZero())
}

func TestQualityGate_Result(t *testing.T) {
	gate := NewQualityGate(DefaultThresholds())

	res := gate.Result(StageVerification, StageOutcome{Confidence: 0.4, ItemCount: 2})
	assert.False(t, res.Passed)
	assert.Equal(t, "verification_quality", res.Name)
	assert.Equal(t, 0.7, res.Threshold)
	assert.Equal(t, 0.4, res.Actual)
	assert.Contains(t, res.Message, "below")

	res = gate.Result(StageVerification, StageOutcome{Confidence: 0.9})
	assert.Equal(t, "no items produced", res.Message)
}

func TestQualityGate_SetThresholdsConcurrent(t *testing.T) {
	gate := NewQualityGate(DefaultThresholds())
	outcome := StageOutcome{Confidence: 0.75, ItemCount: 1}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			gate.SetThresholds(Thresholds{StageRequirement: 0.8})
		}()
		go func() {
			defer wg.Done()
			_ = gate.Passes(StageRequirement, outcome)
		}()
	}
	wg.Wait()

	assert.False(t, gate.Passes(StageRequirement, outcome))
}
