// Package http serves the pipeline over a JSON and server-sent events API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/bundle"
	"github.com/fyrsmithlabs/pipelined/internal/events"
	"github.com/fyrsmithlabs/pipelined/internal/githubapi"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
	"github.com/fyrsmithlabs/pipelined/internal/repocontext"
	"github.com/fyrsmithlabs/pipelined/internal/tickets"
	"github.com/fyrsmithlabs/pipelined/pkg/secrets"
)

// DefaultHeartbeat is the interval of keep-alive comments on the NATS relay.
const DefaultHeartbeat = 30 * time.Second

const maxSearchResults = 100

// Pipeline is the orchestrator surface the API exposes.
type Pipeline interface {
	RunWithBundle(ctx context.Context, req orchestrator.Request) (*bundle.OutputBundle, error)
	Stream(ctx context.Context, req orchestrator.Request) (<-chan events.Event, error)
	Resume(ctx context.Context, threadID string) (*pipeline.State, error)
	GetState(ctx context.Context, threadID string) (*pipeline.State, error)
	GetHistory(ctx context.Context, threadID string) ([]*pipeline.State, error)
	Diagram() string
	Agents() []orchestrator.AgentInfo
	Stats() []orchestrator.StageStats
}

// Jira is the tracker surface behind ticket search and the connection test.
type Jira interface {
	Search(ctx context.Context, jql string, limit int) ([]*tickets.Ticket, error)
	TestConnection(ctx context.Context) tickets.ServerInfo
}

// Server provides the HTTP endpoints of pipelined.
type Server struct {
	echo     *echo.Echo
	pipeline Pipeline
	logger   *zap.Logger
	config   *Config

	tickets  tickets.Source
	jira     Jira
	files    repocontext.Source
	redactor *secrets.Redactor
	nc       *nats.Conn
	metrics  *Metrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Heartbeat is the keep-alive interval of the NATS event relay.
	// Default: 30s
	Heartbeat time.Duration
}

// Option configures optional collaborators of a Server.
type Option func(*Server)

// WithTickets fills in missing ticket details from src before a run.
func WithTickets(src tickets.Source) Option {
	return func(s *Server) { s.tickets = src }
}

// WithJira enables ticket search and the Jira connection test.
func WithJira(j Jira) Option {
	return func(s *Server) { s.jira = j }
}

// WithFiles serves repository files from src on /api/v1/github/file.
func WithFiles(src repocontext.Source) Option {
	return func(s *Server) { s.files = src }
}

// WithRedactor masks secrets in served repository files.
func WithRedactor(r *secrets.Redactor) Option {
	return func(s *Server) { s.redactor = r }
}

// WithNATS enables the event relay endpoint.
func WithNATS(nc *nats.Conn) Option {
	return func(s *Server) { s.nc = nc }
}

// WithMetrics records OTEL request metrics through m.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server.
func NewServer(p Pipeline, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		pipeline: p,
		logger:   logger,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			c.SetRequest(c.Request().WithContext(logging.WithRequestID(c.Request().Context(), id)))
		},
	}))
	if s.metrics != nil {
		e.Use(s.metrics.Middleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let echo render the error so the logged status is final.
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/analyze", s.handleAnalyze)
	v1.POST("/analyze/stream", s.handleAnalyzeStream)
	v1.GET("/workflow/diagram", s.handleDiagram)
	v1.POST("/workflow/resume", s.handleResume)
	v1.GET("/workflow/:thread_id/state", s.handleState)
	v1.GET("/workflow/:thread_id/history", s.handleHistory)
	v1.GET("/workflow/:thread_id/events", s.handleEvents)
	v1.GET("/agents", s.handleAgents)
	v1.GET("/tickets", s.handleSearchTickets)
	v1.GET("/tickets/:key", s.handleTicket)
	v1.GET("/tickets/:owner/:repo/:number", s.handleTicket)
	v1.GET("/jira/test", s.handleJiraTest)
	v1.GET("/github/file", s.handleFile)
}

// Handler returns the root handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// httpError maps domain errors onto status codes. Unexpected errors are
// logged and reported without detail.
func (s *Server) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrThreadNotFound),
		errors.Is(err, tickets.ErrNotFound),
		errors.Is(err, repocontext.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, tickets.ErrInvalidTicketID),
		errors.Is(err, githubapi.ErrInvalidRepository),
		errors.Is(err, repocontext.ErrNotAFile):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, tickets.ErrJiraAuth):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, repocontext.ErrNoSource):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(499, "client closed request")
	default:
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("request_id", logging.RequestIDFromContext(c.Request().Context())),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
