package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/tickets"
)

// handleHealth reports liveness and the state of optional services.
func (s *Server) handleHealth(c echo.Context) error {
	services := map[string]string{
		"tickets": enabled(s.tickets != nil),
		"jira":    enabled(s.jira != nil),
		"files":   enabled(s.files != nil),
		"nats":    "disabled",
	}
	if s.nc != nil {
		services["nats"] = strings.ToLower(s.nc.Status().String())
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Services: services})
}

func enabled(ok bool) string {
	if ok {
		return "enabled"
	}
	return "disabled"
}

// bindRequest decodes and validates a run request, filling in ticket details
// when the caller sent only a ticket id.
func (s *Server) bindRequest(c echo.Context) (orchestrator.Request, error) {
	var req orchestrator.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid analyze request", zap.Error(err))
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if _, err := req.Validate(); err != nil {
		return req, s.httpError(c, err)
	}
	if err := s.enrich(c.Request().Context(), &req); err != nil {
		return req, s.httpError(c, err)
	}
	return req, nil
}

// enrich fetches the ticket when the request has neither title nor
// description. Ticket ids that are not issue references are left alone.
func (s *Server) enrich(ctx context.Context, req *orchestrator.Request) error {
	if s.tickets == nil || req.Title != "" || req.Description != "" {
		return nil
	}
	t, err := s.tickets.Get(ctx, req.TicketID)
	if errors.Is(err, tickets.ErrInvalidTicketID) {
		s.metrics.ticketLookup(ctx, "skipped")
		s.logger.Debug("ticket id is not an issue reference", zap.String("ticket_id", req.TicketID))
		return nil
	}
	if err != nil {
		s.metrics.ticketLookup(ctx, "error")
		return fmt.Errorf("fetch ticket %s: %w", req.TicketID, err)
	}
	s.metrics.ticketLookup(ctx, "found")

	req.Title = t.Title
	req.Description = t.Description
	if req.AcceptanceCriteria == "" {
		req.AcceptanceCriteria = t.AcceptanceCriteria
	}
	if req.Repository == "" {
		if ref, err := tickets.ParseRef(req.TicketID); err == nil {
			req.Repository = ref.Repo.String()
		}
	}
	s.logger.Debug("ticket fetched", zap.String("ticket_id", req.TicketID), zap.String("repository", req.Repository))
	return nil
}

// handleAnalyze runs the pipeline and returns the output bundle.
func (s *Server) handleAnalyze(c echo.Context) error {
	req, err := s.bindRequest(c)
	if err != nil {
		return err
	}
	b, err := s.pipeline.RunWithBundle(c.Request().Context(), req)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// handleAnalyzeStream runs the pipeline and streams its events.
func (s *Server) handleAnalyzeStream(c echo.Context) error {
	req, err := s.bindRequest(c)
	if err != nil {
		return err
	}
	ch, err := s.pipeline.Stream(c.Request().Context(), req)
	if err != nil {
		return s.httpError(c, err)
	}
	return s.streamEvents(c, ch)
}

// handleState returns the latest checkpoint of a thread.
func (s *Server) handleState(c echo.Context) error {
	st, err := s.pipeline.GetState(c.Request().Context(), c.Param("thread_id"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// handleHistory returns every checkpoint of a thread.
func (s *Server) handleHistory(c echo.Context) error {
	threadID := c.Param("thread_id")
	history, err := s.pipeline.GetHistory(c.Request().Context(), threadID)
	if err != nil {
		return s.httpError(c, err)
	}
	if len(history) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no history for thread %s", threadID))
	}
	return c.JSON(http.StatusOK, HistoryResponse{
		ThreadID:     threadID,
		HistoryCount: len(history),
		History:      history,
	})
}

// handleResume restarts a thread from its latest checkpoint.
func (s *Server) handleResume(c echo.Context) error {
	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.ThreadID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "thread_id is required")
	}
	st, err := s.pipeline.Resume(c.Request().Context(), req.ThreadID)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// handleDiagram returns the Mermaid diagram of the pipeline.
func (s *Server) handleDiagram(c echo.Context) error {
	return c.JSON(http.StatusOK, DiagramResponse{
		Format:      "mermaid",
		Diagram:     s.pipeline.Diagram(),
		Description: "Requirement, generation and verification stages with quality gates and strict-mode retries",
	})
}

// handleAgents lists the registered stage agents and their counters.
func (s *Server) handleAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, AgentsResponse{
		Agents: s.pipeline.Agents(),
		Stats:  s.pipeline.Stats(),
	})
}

// handleTicket returns a Jira issue (/tickets/PROJ-1) or a GitHub issue
// (/tickets/owner/repo/1) as a ticket.
func (s *Server) handleTicket(c echo.Context) error {
	if s.tickets == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "ticket source not configured")
	}
	id := c.Param("key")
	if id == "" {
		id = fmt.Sprintf("%s/%s#%s", c.Param("owner"), c.Param("repo"), c.Param("number"))
	}
	t, err := s.tickets.Get(c.Request().Context(), id)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

// handleSearchTickets runs a JQL search: ?jql=...&max=50.
func (s *Server) handleSearchTickets(c echo.Context) error {
	if s.jira == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "jira not configured")
	}
	limit := 0
	if v := c.QueryParam("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSearchResults {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("max must be 1-%d", maxSearchResults))
		}
		limit = n
	}
	found, err := s.jira.Search(c.Request().Context(), c.QueryParam("jql"), limit)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, TicketsResponse{Tickets: found, Count: len(found)})
}

// handleJiraTest reports whether the Jira credentials work.
func (s *Server) handleJiraTest(c echo.Context) error {
	if s.jira == nil {
		return c.JSON(http.StatusOK, tickets.ServerInfo{Error: "jira not configured"})
	}
	return c.JSON(http.StatusOK, s.jira.TestConnection(c.Request().Context()))
}

// handleFile returns one repository file with secrets masked.
func (s *Server) handleFile(c echo.Context) error {
	if s.files == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "file source not configured")
	}
	repo, path := c.QueryParam("repo"), c.QueryParam("path")
	if repo == "" || path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "repo and path are required")
	}

	f, err := s.files.GetFile(c.Request().Context(), repo, path)
	if err != nil {
		return s.httpError(c, err)
	}
	resp := FileResponse{Repository: repo, Path: f.Path, Content: f.Content, Size: f.Size}
	if s.redactor != nil {
		res := s.redactor.Redact(f.Path, f.Content)
		resp.Content = res.Content
		resp.Redacted = res.Report.Count()
	}
	return c.JSON(http.StatusOK, resp)
}
