package http

import (
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
	"github.com/fyrsmithlabs/pipelined/internal/tickets"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// ResumeRequest is the request body for POST /api/v1/workflow/resume.
type ResumeRequest struct {
	ThreadID string `json:"thread_id"`
}

// HistoryResponse is the response body for GET /api/v1/workflow/:thread_id/history.
type HistoryResponse struct {
	ThreadID     string            `json:"thread_id"`
	HistoryCount int               `json:"history_count"`
	History      []*pipeline.State `json:"history"`
}

// DiagramResponse is the response body for GET /api/v1/workflow/diagram.
type DiagramResponse struct {
	Format      string `json:"format"`
	Diagram     string `json:"diagram"`
	Description string `json:"description"`
}

// AgentsResponse is the response body for GET /api/v1/agents.
type AgentsResponse struct {
	Agents []orchestrator.AgentInfo  `json:"agents"`
	Stats  []orchestrator.StageStats `json:"stats"`
}

// TicketsResponse is the response body for GET /api/v1/tickets.
type TicketsResponse struct {
	Tickets []*tickets.Ticket `json:"tickets"`
	Count   int               `json:"count"`
}

// FileResponse is the response body for GET /api/v1/github/file.
type FileResponse struct {
	Repository string `json:"repository"`
	Path       string `json:"path"`
	Content    string `json:"content"`
	Size       int    `json:"size"`
	Redacted   int    `json:"redacted_secrets"`
}
