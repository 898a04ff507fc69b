package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

var (
	// ErrThreadNotFound is returned when no checkpoint exists for a thread.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrInvalidRequest is returned for a request that cannot start a run.
	ErrInvalidRequest = errors.New("invalid request")
)

// Request starts a run.
type Request struct {
	TicketID           string `json:"ticket_id"`
	ThreadID           string `json:"thread_id,omitempty"`
	Title              string `json:"title,omitempty"`
	Description        string `json:"description,omitempty"`
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
	Action             string `json:"action,omitempty"`
	Repository         string `json:"repository,omitempty"`
	Language           string `json:"language,omitempty"`
	TestFramework      string `json:"test_framework,omitempty"`
}

// Validate checks the request and returns the parsed action. An empty action
// means full-pipeline.
func (r Request) Validate() (pipeline.Action, error) {
	if strings.TrimSpace(r.TicketID) == "" {
		return "", fmt.Errorf("%w: ticket_id is required", ErrInvalidRequest)
	}
	if r.Action == "" {
		return pipeline.ActionFullPipeline, nil
	}
	action, err := pipeline.ParseAction(r.Action)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return action, nil
}

// ContextFetcher fetches the repository snapshot a run works against.
type ContextFetcher interface {
	Fetch(ctx context.Context, repository string) (*pipeline.RepoContext, error)
}

// Recorder keeps finished runs for later retrieval, typically by indexing
// them in the knowledge store.
type Recorder interface {
	RecordRun(ctx context.Context, st *pipeline.State) error
}

// AgentInfo describes a registered stage executor.
type AgentInfo struct {
	Name         string          `json:"name"`
	Stage        pipeline.Stage  `json:"stage"`
	Description  string          `json:"description"`
	Capabilities []string        `json:"capabilities"`
	Modes        []pipeline.Mode `json:"modes"`
}

// StageStats are the execution counters of one stage since process start.
type StageStats struct {
	Stage       pipeline.Stage `json:"stage"`
	Agent       string         `json:"agent"`
	CurrentMode pipeline.Mode  `json:"current_mode"`
	Executions  int            `json:"executions"`
	Retries     int            `json:"retries"`
	Failures    int            `json:"failures"`
}

var agentCatalog = map[pipeline.Stage]AgentInfo{
	pipeline.StageRequirement: {
		Description: "Extracts structured requirements from tickets",
		Capabilities: []string{
			"Extract functional requirements",
			"Extract non-functional requirements",
			"Identify edge cases",
			"Prioritize requirements",
		},
	},
	pipeline.StageGeneration: {
		Description: "Generates code based on requirements and existing patterns",
		Capabilities: []string{
			"Generate code snippets",
			"Create diff patches",
			"Follow existing code patterns",
			"Apply coding standards",
		},
	},
	pipeline.StageVerification: {
		Description: "Creates comprehensive test cases",
		Capabilities: []string{
			"Generate unit tests",
			"Create edge case tests",
			"Match project test style",
			"Generate test data",
		},
	},
}
