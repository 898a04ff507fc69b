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

const artifactJSON = `{
  "diff_hunks": [{"file": "tax.py", "new_count": 2, "content": "+def tax():\n+    return 0"}],
  "generated_files": [{"filename": "tax.py", "content": "def tax():\n    return 0\n"}],
  "impact_analysis": {"affected_methods": ["tax"]},
  "reasoning_trace": ["read requirements", "matched pattern", "added validation"],
  "rag_sources_used": ["calc.py"]
}`

func TestGenerationStrategy_BuildRequest(t *testing.T) {
	in := GenerationInput{
		Language:     "go",
		Requirements: []pipeline.Requirement{{ID: "FR-001", Description: "compute tax"}},
		Codebase:     "Repository Structure:\n- go.mod",
	}

	std := GenerationStrategy{Mode: pipeline.ModeStandard}.BuildRequest(in)
	assert.Contains(t, std.User, "Generate go code for these requirements:")
	assert.Contains(t, std.User, "- compute tax")
	assert.Contains(t, std.User, "Repository Structure:\n- go.mod")
	assert.Contains(t, std.System, "UNIFIED DIFF")

	strict := GenerationStrategy{Mode: pipeline.ModeStrict}.BuildRequest(in)
	assert.Contains(t, strict.User, "STRICT CODE GENERATION REQUIRED")
	assert.Contains(t, strict.User, "- [FR-001] compute tax")
	assert.Contains(t, strict.System, "At least 3 reasoning steps")

	none := GenerationStrategy{Mode: pipeline.ModeStandard}.BuildRequest(GenerationInput{})
	assert.Contains(t, none.User, "No specific requirements provided")
	assert.Contains(t, none.User, "Generate python code")
}

func TestGenerationStrategy_ParseResponse_Standard(t *testing.T) {
	art, outcome, err := GenerationStrategy{Mode: pipeline.ModeStandard}.ParseResponse(artifactJSON, "python")
	require.NoError(t, err)

	require.Len(t, art.GeneratedFiles, 1)
	f := art.GeneratedFiles[0]
	assert.Equal(t, "python", f.Language)
	assert.Equal(t, 3, f.LineCount)
	assert.True(t, f.IsNew)
	assert.Equal(t, []string{"tax.py"}, art.FilesModified)
	assert.Equal(t, "low", art.Impact.BreakingChangeRisk)
	assert.Equal(t, 1, art.DiffHunks[0].OldStart)
	assert.Contains(t, art.FullDiff(), "@@ -1,0 +1,2 @@")

	assert.Equal(t, 2, outcome.ItemCount)
	assert.Equal(t, 0.8, outcome.Confidence)
	assert.InDelta(t, 2.0/3.0, outcome.Completeness, 1e-9)
	assert.False(t, outcome.HasErrors)
}

func TestGenerationStrategy_ParseResponse_Strict(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		confidence float64
		warnings   []string
	}{
		{
			name:       "complete",
			raw:        artifactJSON,
			confidence: 0.9,
		},
		{
			name:       "few reasoning steps",
			raw:        `{"generated_files":[{"filename":"a.py","content":"x"}],"reasoning_trace":["one"],"confidence_score":0.92}`,
			confidence: 0.82,
			warnings:   []string{"Only 1 reasoning steps (minimum 3)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, outcome, err := GenerationStrategy{Mode: pipeline.ModeStrict}.ParseResponse(tt.raw, "")
			require.NoError(t, err)
			assert.InDelta(t, tt.confidence, outcome.Confidence, 1e-9)
			assert.Equal(t, tt.warnings, outcome.Warnings)
			assert.Equal(t, len(tt.warnings) > 0, outcome.HasErrors)
		})
	}
}

func TestGenerationStrategy_ParseResponse_StrictSchema(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no files", `{"generated_files":[],"reasoning_trace":["a","b","c"]}`},
		{"files absent", `{"diff_hunks":[{"file":"a.py","content":"+x"}]}`},
		{"unnamed file", `{"generated_files":[{"content":"x = 1"}]}`},
		{"empty content", `{"generated_files":[{"filename":"a.py","content":""}]}`},
		{"is_new not boolean", `{"generated_files":[{"filename":"a.py","content":"x = 1","is_new":"yes"}]}`},
		{"hunk without file", `{"generated_files":[{"filename":"a.py","content":"x = 1"}],"diff_hunks":[{"content":"+x"}]}`},
		{"negative hunk start", `{"generated_files":[{"filename":"a.py","content":"x = 1"}],"diff_hunks":[{"file":"a.py","content":"+x","old_start":-1}]}`},
		{"unknown risk", `{"generated_files":[{"filename":"a.py","content":"x = 1"}],"impact_analysis":{"breaking_change_risk":"catastrophic"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			art, _, err := GenerationStrategy{Mode: pipeline.ModeStrict}.ParseResponse(tt.raw, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "schema validation")
			assert.Nil(t, art)
		})
	}
}

func TestGenerationStrategy_ParseResponse_Defaults(t *testing.T) {
	art, _, err := GenerationStrategy{Mode: pipeline.ModeStandard}.ParseResponse(`{"generated_files":[{"content":"x","is_new":false}],"diff_hunks":[{"content":"+x"}]}`, "go")
	require.NoError(t, err)

	assert.Equal(t, "generated.go", art.GeneratedFiles[0].Filename)
	assert.False(t, art.GeneratedFiles[0].IsNew)
	assert.Equal(t, "unknown.go", art.DiffHunks[0].File)
	assert.Equal(t, "Generated 1 files", art.Summary)
}

func TestGenerationStage_Execute(t *testing.T) {
	gen := &MockGenerator{}
	gen.On("Complete", mock.Anything, mock.MatchedBy(func(p Prompt) bool {
		return strings.Contains(p.User, "compute tax")
	})).Return(artifactJSON, nil)

	retriever := &MockRetriever{}
	retriever.On("SimilarCode", mock.Anything, "tax rules", 3).
		Return([]pipeline.Reference{{Source: "calc.py"}, {Source: "rates.py"}}, nil)

	opts := DefaultOptions()
	opts.Retriever = retriever

	st := withRequirements(ticketState())
	next, outcome, err := NewGenerationStage(gen, opts).Execute(context.Background(), st, pipeline.ModeStandard)
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	require.NotNil(t, next.Artifact)
	assert.Equal(t, []string{"calc.py", "rates.py"}, next.Artifact.RAGSources)
	assert.Nil(t, st.Artifact)
	gen.AssertExpectations(t)
	retriever.AssertExpectations(t)
}
