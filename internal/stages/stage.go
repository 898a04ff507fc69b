package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

// ErrPrecondition is returned when a stage's required inputs are absent.
var ErrPrecondition = errors.New("stage precondition not met")

// Agent names reported in the result ledger.
const (
	AgentRequirementAnalyzer   = "RequirementAnalyzer"
	AgentArtifactGenerator     = "ArtifactGenerator"
	AgentVerificationGenerator = "VerificationGenerator"
)

const (
	// DefaultTemperature is used by standard strategies.
	DefaultTemperature = 0.3

	// StrictTemperature is used by strict strategies.
	StrictTemperature = 0.0

	// DefaultPromptFileChars caps each repository file embedded in a prompt.
	DefaultPromptFileChars = 3000

	maxCodeChars   = 4000
	similarResults = 3
)

// Prompt is a single text-generation request.
type Prompt struct {
	System      string
	User        string
	Temperature float64
}

// Generator produces text from a prompt.
type Generator interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Retriever looks up prior knowledge to enrich prompts. It is optional.
type Retriever interface {
	SimilarTickets(ctx context.Context, query string, k int) ([]pipeline.Reference, error)
	SimilarCode(ctx context.Context, query string, k int) ([]pipeline.Reference, error)
}

// Executor runs one pipeline stage.
type Executor interface {
	// Stage identifies the stage this executor runs.
	Stage() pipeline.Stage

	// Name is the agent name recorded in the result ledger.
	Name() string

	// Precondition returns a wrapped ErrPrecondition when st lacks the stage's inputs.
	Precondition(st *pipeline.State) error

	// Execute runs the stage in mode and returns the patched copy of st.
	Execute(ctx context.Context, st *pipeline.State, mode pipeline.Mode) (*pipeline.State, pipeline.StageOutcome, error)
}

// Options configures stage construction.
type Options struct {
	Temperature       float64
	StrictTemperature float64
	PromptFileChars   int
	Retriever         Retriever
	Logger            *zap.Logger
}

// DefaultOptions returns the default stage options.
func DefaultOptions() Options {
	return Options{
		Temperature:       DefaultTemperature,
		StrictTemperature: StrictTemperature,
		PromptFileChars:   DefaultPromptFileChars,
	}
}

func (o Options) withDefaults() Options {
	if o.PromptFileChars <= 0 {
		o.PromptFileChars = DefaultPromptFileChars
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) temperature(mode pipeline.Mode) float64 {
	if mode == pipeline.ModeStrict {
		return o.StrictTemperature
	}
	return o.Temperature
}

// NewAll returns the requirement, generation and verification executors.
func NewAll(gen Generator, opts Options) []Executor {
	return []Executor{
		NewRequirementStage(gen, opts),
		NewGenerationStage(gen, opts),
		NewVerificationStage(gen, opts),
	}
}

// failed records err against st and returns the failed outcome.
func failed(st *pipeline.State, agent string, err error) pipeline.StageOutcome {
	msg := fmt.Sprintf("%s: %v", agent, err)
	st.AddError(msg)
	return pipeline.StageOutcome{
		Success:      false,
		HasErrors:    true,
		ErrorMessage: err.Error(),
	}
}

// StripFences removes a surrounding markdown code fence and a leading json tag.
func StripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	end := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	text = strings.TrimSpace(strings.Join(lines[1:end], "\n"))
	if strings.HasPrefix(text, "json") {
		text = strings.TrimSpace(text[len("json"):])
	}
	return text
}

// decode strips fences from raw and unmarshals it into v.
func decode(raw string, v any) error {
	text := StripFences(raw)
	if text == "" {
		return errors.New("empty response")
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	return nil
}

// CodebaseContext renders the repository context embedded in prompts.
func CodebaseContext(rc *pipeline.RepoContext, fileChars int) string {
	if fileChars <= 0 {
		fileChars = DefaultPromptFileChars
	}
	var parts []string
	if rc != nil && rc.Structure != "" {
		parts = append(parts, rc.Structure)
	}
	if rc != nil && len(rc.Files) > 0 {
		parts = append(parts, "\n\nKEY FILES FROM REPOSITORY:")
		for _, f := range rc.Files {
			parts = append(parts, fmt.Sprintf("\n--- %s ---", f.Path), truncate(f.Content, fileChars))
		}
	}
	if len(parts) == 0 {
		return "No codebase context available - repository was not provided or could not be fetched."
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func ratio(n, target int) float64 {
	return clamp01(float64(n) / float64(target))
}

// reportedConfidence returns the model's self-reported confidence or def.
func reportedConfidence(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func formatReferences(refs []pipeline.Reference) string {
	var b strings.Builder
	for _, r := range refs {
		fmt.Fprintf(&b, "- [%s] %s\n", r.Source, truncate(r.Content, 500))
	}
	return strings.TrimRight(b.String(), "\n")
}

func referenceSources(refs []pipeline.Reference) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Source)
	}
	return out
}
