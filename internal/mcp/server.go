package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/bundle"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
	"github.com/fyrsmithlabs/pipelined/pkg/secrets"
)

// Pipeline is the part of the orchestrator the tools call.
type Pipeline interface {
	RunWithBundle(ctx context.Context, req orchestrator.Request) (*bundle.OutputBundle, error)
	Resume(ctx context.Context, threadID string) (*pipeline.State, error)
	GetState(ctx context.Context, threadID string) (*pipeline.State, error)
	GetHistory(ctx context.Context, threadID string) ([]*pipeline.State, error)
	Diagram() string
}

// Server is an MCP server over a Pipeline.
type Server struct {
	mcp      *mcp.Server
	pipeline Pipeline
	redactor *secrets.Redactor
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "pipelined")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging. Stdio servers must not log to stdout.
	Logger *zap.Logger

	// Redactor scrubs secrets from tool output. Optional.
	Redactor *secrets.Redactor
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "pipelined",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a server and registers the pipeline tools.
func NewServer(cfg *Config, p Pipeline) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if p == nil {
		return nil, errors.New("pipeline is required")
	}
	if cfg.Name == "" {
		cfg.Name = "pipelined"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		pipeline: p,
		redactor: cfg.Redactor,
		metrics:  NewMetrics(cfg.Logger),
		logger:   cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves the tools on the stdio transport until ctx is done or the
// client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// toolFunc is the body of a tool. It returns the structured output and a
// one-line human summary.
type toolFunc[In any] func(ctx context.Context, args In) (any, string, error)

// addTool registers fn under tool with metrics, logging and redaction.
func addTool[In any](s *Server, tool *mcp.Tool, fn toolFunc[In]) {
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, any, error) {
		done := s.metrics.start(ctx, tool.Name)
		var toolErr error
		defer func() { done(toolErr) }()

		out, summary, err := fn(ctx, args)
		if err != nil {
			toolErr = err
			s.logger.Debug("tool failed", zap.String("tool", tool.Name), zap.Error(err))
			return nil, nil, err
		}

		text, structured, err := s.render(tool.Name, out)
		if err != nil {
			toolErr = err
			return nil, nil, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: summary},
				&mcp.TextContent{Text: text},
			},
		}, structured, nil
	})
}

// render marshals out and redacts it. The structured value handed back to
// the SDK is the redacted JSON so both result forms carry the same text.
func (s *Server) render(name string, out any) (string, any, error) {
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("encode %s result: %w", name, err)
	}
	text := string(raw)
	if s.redactor != nil {
		res := s.redactor.Redact(name+".json", text)
		if n := res.Report.Count(); n > 0 {
			s.logger.Info("redacted tool output", zap.String("tool", name), zap.Int("secrets", n))
		}
		text = res.Content
	}
	if !json.Valid([]byte(text)) {
		return text, nil, nil
	}
	return text, json.RawMessage(text), nil
}
