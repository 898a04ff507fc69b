package stages

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

const suiteJSON = `{
  "tests": [
    {"name": "test_tax_zero", "test_type": "unit", "code": "def test_tax_zero():\n    assert tax(0) == 0", "assertions": 1},
    {"name": "test_tax_slab_boundary", "test_type": "boundary", "code": "def test_tax_slab_boundary():\n    assert tax(250000) == 0", "assertions": 1},
    {"name": "test_tax_negative_raises", "test_type": "unit", "code": "def test_tax_negative_raises():\n    pass", "assertions": 1},
    {"name": "test_tax_high", "test_type": "integration", "code": "def test_tax_high():\n    assert tax(1) > 0", "assertions": 2}
  ],
  "coverage_metrics": {"method_coverage": 90}
}`

func TestVerificationStrategy_BuildRequest(t *testing.T) {
	in := VerificationInput{
		Code:         strings.Repeat("y", 5000),
		Requirements: []pipeline.Requirement{{ID: "FR-001", Description: "compute tax"}},
	}

	std := VerificationStrategy{Mode: pipeline.ModeStandard}.BuildRequest(in)
	assert.Contains(t, std.User, "Generate pytest tests for this code:")
	assert.Contains(t, std.User, strings.Repeat("y", 4000))
	assert.NotContains(t, std.User, strings.Repeat("y", 4001))
	assert.Contains(t, std.User, "- [FR-001] compute tax")

	strict := VerificationStrategy{Mode: pipeline.ModeStrict}.BuildRequest(VerificationInput{TestFramework: "jest"})
	assert.Contains(t, strict.User, "STRICT TEST GENERATION REQUIRED")
	assert.Contains(t, strict.User, "comprehensive jest tests")
	assert.Contains(t, strict.User, "No code provided")
	assert.Contains(t, strict.User, "No specific requirements")
}

func TestVerificationStrategy_ParseResponse_Standard(t *testing.T) {
	suite, outcome, err := VerificationStrategy{Mode: pipeline.ModeStandard}.ParseResponse(suiteJSON, "")
	require.NoError(t, err)

	assert.Len(t, suite.Tests, 4)
	assert.Equal(t, pipeline.TestIntegration, suite.Tests[3].TestType)
	assert.Equal(t, "pytest", suite.Framework)
	assert.Equal(t, 5, suite.TotalAssertions())
	assert.Contains(t, suite.TestFile, "import pytest")
	assert.Contains(t, suite.TestFile, "def test_tax_high()")

	assert.Equal(t, 0.8, outcome.Confidence)
	assert.InDelta(t, 0.8, outcome.Completeness, 1e-9)
	assert.False(t, outcome.HasErrors)
}

func TestVerificationStrategy_ParseResponse_Strict(t *testing.T) {
	t.Run("passes minimums", func(t *testing.T) {
		_, outcome, err := VerificationStrategy{Mode: pipeline.ModeStrict}.ParseResponse(suiteJSON, "")
		require.NoError(t, err)
		assert.Empty(t, outcome.Warnings)
		assert.InDelta(t, 0.9, outcome.Confidence, 1e-9)
		assert.InDelta(t, 4.0/6.0, outcome.Completeness, 1e-9)
	})

	t.Run("every shortfall", func(t *testing.T) {
		raw := `{"tests":[{"name":"test_happy","test_type":"unit","code":"def test_happy():\n    assert tax(1)"}],"coverage_metrics":{"method_coverage":50}}`
		_, outcome, err := VerificationStrategy{Mode: pipeline.ModeStrict}.ParseResponse(raw, "")
		require.NoError(t, err)

		assert.Equal(t, []string{
			"Only 1 tests (minimum 4)",
			"No boundary/edge case tests",
			"No error handling tests",
			"Method coverage 50% < 80%",
		}, outcome.Warnings)
		// 0.9 - 0.1 - 4*0.05
		assert.InDelta(t, 0.6, outcome.Confidence, 1e-9)
		assert.True(t, outcome.HasErrors)
	})
}

func TestVerificationStrategy_ParseResponse_StrictSchema(t *testing.T) {
	const code = `"def test_tax():\n    assert tax(1) > 0"`

	tests := []struct {
		name string
		raw  string
	}{
		{"unknown test type", `{"tests":[{"name":"test_tax","test_type":"nonsense","code":` + code + `}]}`},
		{"missing test type", `{"tests":[{"name":"test_tax","code":` + code + `}]}`},
		{"empty name", `{"tests":[{"name":"","test_type":"unit","code":` + code + `}]}`},
		{"code too short", `{"tests":[{"name":"test_tax","test_type":"unit","code":"pass"}]}`},
		{"negative assertions", `{"tests":[{"name":"test_tax","test_type":"unit","code":` + code + `,"assertions":-1}]}`},
		{"no tests", `{"tests":[]}`},
		{"tests absent", `{"test_framework":"pytest"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			suite, _, err := VerificationStrategy{Mode: pipeline.ModeStrict}.ParseResponse(tt.raw, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "schema validation")
			assert.Nil(t, suite)
		})
	}
}

func TestVerificationStrategy_ParseResponse_StandardDefaults(t *testing.T) {
	suite, _, err := VerificationStrategy{Mode: pipeline.ModeStandard}.ParseResponse(`{"tests":[{"code":"x"}]}`, "")
	require.NoError(t, err)
	assert.Equal(t, "test_unnamed", suite.Tests[0].Name)
	assert.Equal(t, pipeline.TestUnit, suite.Tests[0].TestType)
}

func TestArtifactCode(t *testing.T) {
	assert.Equal(t, NoArtifactPlaceholder, ArtifactCode(nil))
	assert.Equal(t, NoArtifactPlaceholder, ArtifactCode(&pipeline.Artifact{}))

	code := ArtifactCode(&pipeline.Artifact{GeneratedFiles: []pipeline.GeneratedFile{{Filename: "tax.py", Content: "def tax(): ..."}}})
	assert.Equal(t, "# file: tax.py\ndef tax(): ...", code)

	diff := ArtifactCode(&pipeline.Artifact{UnifiedDiff: "--- a/x\n+++ b/x"})
	assert.Equal(t, "--- a/x\n+++ b/x", diff)
}

func TestVerificationStage_ExecuteWithoutArtifact(t *testing.T) {
	gen := &MockGenerator{}
	gen.On("Complete", mock.Anything, mock.MatchedBy(func(p Prompt) bool {
		return strings.Contains(p.User, NoArtifactPlaceholder)
	})).Return(suiteJSON, nil).Once()

	st := withRequirements(ticketState())
	next, outcome, err := NewVerificationStage(gen, DefaultOptions()).Execute(context.Background(), st, pipeline.ModeStandard)
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	require.NotNil(t, next.Verification)
	assert.Nil(t, next.Artifact)
	gen.AssertExpectations(t)
}

func TestVerificationStage_ExecuteTargetsArtifactFiles(t *testing.T) {
	gen := &MockGenerator{}
	gen.On("Complete", mock.Anything, mock.Anything).Return(suiteJSON, nil)

	st := withRequirements(ticketState())
	st.TestFramework = "pytest"
	st.Artifact = &pipeline.Artifact{
		FilesModified:  []string{"tax.py"},
		GeneratedFiles: []pipeline.GeneratedFile{{Filename: "tax.py", Content: "def tax(): ..."}},
	}

	next, _, err := NewVerificationStage(gen, DefaultOptions()).Execute(context.Background(), st, pipeline.ModeStandard)
	require.NoError(t, err)
	assert.Equal(t, []string{"tax.py"}, next.Verification.TargetFiles)
}
