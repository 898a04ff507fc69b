package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

var errThreadIDRequired = errors.New("thread_id is required")

type runInput struct {
	TicketID           string `json:"ticket_id" jsonschema:"Ticket identifier, e.g. owner/repo#123"`
	ThreadID           string `json:"thread_id,omitempty" jsonschema:"Thread to checkpoint under (generated when empty)"`
	Title              string `json:"title,omitempty" jsonschema:"Ticket title"`
	Description        string `json:"description,omitempty" jsonschema:"Ticket description"`
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty" jsonschema:"Acceptance criteria, one per line"`
	Action             string `json:"action,omitempty" jsonschema:"One of extract-requirements, generate-artifact, generate-verification, full-pipeline (default full-pipeline)"`
	Repository         string `json:"repository,omitempty" jsonschema:"owner/repo or local path to pull context from"`
	Language           string `json:"language,omitempty" jsonschema:"Target language"`
	TestFramework      string `json:"test_framework,omitempty" jsonschema:"Test framework for generated tests"`
}

type threadInput struct {
	ThreadID string `json:"thread_id" jsonschema:"Thread identifier returned by pipeline_run"`
}

type diagramInput struct{}

type historyOutput struct {
	ThreadID     string            `json:"thread_id"`
	HistoryCount int               `json:"history_count"`
	History      []*pipeline.State `json:"history"`
}

type diagramOutput struct {
	Format  string `json:"format"`
	Diagram string `json:"diagram"`
}

func (s *Server) registerTools() {
	addTool(s, &mcp.Tool{
		Name:        "pipeline_run",
		Description: "Run a ticket through requirement analysis, code generation and test creation, and return the output bundle",
	}, s.run)

	addTool(s, &mcp.Tool{
		Name:        "pipeline_state",
		Description: "Get the latest checkpointed state of a pipeline thread",
	}, s.state)

	addTool(s, &mcp.Tool{
		Name:        "pipeline_history",
		Description: "List every checkpoint of a pipeline thread, newest first",
	}, s.history)

	addTool(s, &mcp.Tool{
		Name:        "pipeline_resume",
		Description: "Resume an interrupted pipeline thread from its last checkpoint",
	}, s.resume)

	addTool(s, &mcp.Tool{
		Name:        "pipeline_diagram",
		Description: "Render the pipeline workflow as a Mermaid flowchart",
	}, s.diagram)
}

func (s *Server) run(ctx context.Context, args runInput) (any, string, error) {
	b, err := s.pipeline.RunWithBundle(ctx, orchestrator.Request{
		TicketID:           args.TicketID,
		ThreadID:           args.ThreadID,
		Title:              args.Title,
		Description:        args.Description,
		AcceptanceCriteria: args.AcceptanceCriteria,
		Action:             args.Action,
		Repository:         args.Repository,
		Language:           args.Language,
		TestFramework:      args.TestFramework,
	})
	if err != nil {
		return nil, "", fmt.Errorf("pipeline run failed: %w", err)
	}
	summary := fmt.Sprintf("Pipeline %s for %s (thread %s)", b.Summary.FinalStatus, b.TicketID, b.ThreadID)
	return b, summary, nil
}

func (s *Server) state(ctx context.Context, args threadInput) (any, string, error) {
	id, err := threadID(args)
	if err != nil {
		return nil, "", err
	}
	st, err := s.pipeline.GetState(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("get state: %w", err)
	}
	return st, describe(st), nil
}

func (s *Server) history(ctx context.Context, args threadInput) (any, string, error) {
	id, err := threadID(args)
	if err != nil {
		return nil, "", err
	}
	hist, err := s.pipeline.GetHistory(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("get history: %w", err)
	}
	if len(hist) == 0 {
		return nil, "", fmt.Errorf("get history: %w", orchestrator.ErrThreadNotFound)
	}
	out := historyOutput{ThreadID: id, HistoryCount: len(hist), History: hist}
	return out, fmt.Sprintf("%d checkpoints for thread %s", len(hist), id), nil
}

func (s *Server) resume(ctx context.Context, args threadInput) (any, string, error) {
	id, err := threadID(args)
	if err != nil {
		return nil, "", err
	}
	st, err := s.pipeline.Resume(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("resume: %w", err)
	}
	return st, describe(st), nil
}

func (s *Server) diagram(_ context.Context, _ diagramInput) (any, string, error) {
	return diagramOutput{Format: "mermaid", Diagram: s.pipeline.Diagram()}, "Pipeline workflow (Mermaid)", nil
}

func threadID(args threadInput) (string, error) {
	id := strings.TrimSpace(args.ThreadID)
	if id == "" {
		return "", fmt.Errorf("%w: %w", orchestrator.ErrInvalidRequest, errThreadIDRequired)
	}
	return id, nil
}

func describe(st *pipeline.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Thread %s: %s", st.ThreadID, st.Status)
	if st.CurrentStage != "" {
		fmt.Fprintf(&b, " at %s", st.CurrentStage)
	}
	if n := len(st.Errors); n > 0 {
		fmt.Fprintf(&b, " (%d errors)", n)
	}
	return b.String()
}
