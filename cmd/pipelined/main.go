// Pipelined runs tickets through requirement analysis, code generation and
// test creation with checkpointed, quality-gated stages.
//
// By default it serves the HTTP API. With --mcp it serves the MCP tools on
// stdio instead.
//
// Configuration is read from ~/.config/pipelined/config.yaml (or --config)
// and PIPELINED_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the HTTP server
//	pipelined
//
//	# Serve MCP tools over stdio
//	pipelined --mcp
//
//	# Override settings from the environment
//	PIPELINED_SERVER_PORT=8081 PIPELINED_LLM_API_KEY=sk-... pipelined
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/config"
	apihttp "github.com/fyrsmithlabs/pipelined/internal/http"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/fyrsmithlabs/pipelined/internal/mcp"
	"github.com/fyrsmithlabs/pipelined/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/pipelined/config.yaml)")
	mcpMode := flag.Bool("mcp", false, "serve MCP tools on stdio instead of the HTTP API")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  pipelined [--config path] [--mcp]   Start the server\n")
			fmt.Fprintf(os.Stderr, "  pipelined version                   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *mcpMode); err != nil {
		fmt.Fprintf(os.Stderr, "pipelined: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("pipelined by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run loads configuration, wires the pipeline and serves until ctx is
// canceled.
func run(ctx context.Context, configPath string, mcpMode bool) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.ConfigFrom(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logCfg, err := logging.ConfigFrom(cfg.Logging, cfg.Observability)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	log, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = log.Sync()
	}()
	logger := log.Underlying()

	logger.Info("starting pipelined",
		zap.String("version", version),
		zap.Bool("mcp", mcpMode),
		zap.String("llm_model", cfg.LLM.Model),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.Bool("telemetry", tel.IsEnabled()))

	a, err := newApp(ctx, cfg, tel, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()

	if configPath == "" {
		configPath, _ = config.DefaultPath()
	}
	watchConfig(ctx, configPath, a, logger)

	if mcpMode {
		return serveMCP(ctx, a, logger)
	}
	return serveHTTP(ctx, cfg, a, logger)
}

// watchConfig applies gate threshold changes from the config file without a
// restart. A directory that cannot be watched only disables hot reload.
func watchConfig(ctx context.Context, path string, a *app, logger *zap.Logger) {
	w, err := config.NewWatcher(path, func(c *config.Config) {
		a.orchestrator.Gate().SetThresholds(c.Pipeline.Thresholds())
		logger.Info("quality gate thresholds reloaded",
			zap.Float64("requirement", c.Pipeline.RequirementThreshold),
			zap.Float64("generation", c.Pipeline.GenerationThreshold),
			zap.Float64("verification", c.Pipeline.VerificationThreshold))
	}, logger)
	if err != nil {
		logger.Warn("config hot reload disabled", zap.String("path", path), zap.Error(err))
		return
	}
	go func() {
		defer w.Close()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()
}

func serveMCP(ctx context.Context, a *app, logger *zap.Logger) error {
	srv, err := mcp.NewServer(&mcp.Config{
		Name:     "pipelined",
		Version:  version,
		Logger:   logger,
		Redactor: a.redactor,
	}, a.orchestrator)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	fmt.Fprintf(os.Stderr, "pipelined MCP server started on stdio\n")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("MCP server shutdown complete")
	return nil
}

func serveHTTP(ctx context.Context, cfg *config.Config, a *app, logger *zap.Logger) error {
	opts := []apihttp.Option{
		apihttp.WithFiles(a.fetcher),
		apihttp.WithTickets(a.tickets),
		apihttp.WithMetrics(apihttp.NewMetrics(logger)),
	}
	if a.redactor != nil {
		opts = append(opts, apihttp.WithRedactor(a.redactor))
	}
	if a.nc != nil {
		opts = append(opts, apihttp.WithNATS(a.nc))
	}
	if a.jira != nil {
		opts = append(opts, apihttp.WithJira(a.jira))
	}

	srv, err := apihttp.NewServer(a.orchestrator, logger, &apihttp.Config{Port: cfg.Server.Port}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info("server listening",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout.Duration()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}
