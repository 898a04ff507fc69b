package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/checkpoint"
	"github.com/fyrsmithlabs/pipelined/internal/config"
	"github.com/fyrsmithlabs/pipelined/internal/embeddings"
	"github.com/fyrsmithlabs/pipelined/internal/events"
	"github.com/fyrsmithlabs/pipelined/internal/githubapi"
	"github.com/fyrsmithlabs/pipelined/internal/llm"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
	"github.com/fyrsmithlabs/pipelined/internal/repocontext"
	"github.com/fyrsmithlabs/pipelined/internal/reranker"
	"github.com/fyrsmithlabs/pipelined/internal/stages"
	"github.com/fyrsmithlabs/pipelined/internal/telemetry"
	"github.com/fyrsmithlabs/pipelined/internal/tickets"
	"github.com/fyrsmithlabs/pipelined/internal/vectorstore"
	"github.com/fyrsmithlabs/pipelined/pkg/secrets"
)

// app holds the wired components shared by the HTTP and MCP surfaces.
type app struct {
	orchestrator *orchestrator.Orchestrator
	fetcher      *repocontext.Fetcher
	tickets      tickets.Source
	jira         *tickets.JiraSource
	redactor     *secrets.Redactor
	knowledge    *vectorstore.Knowledge
	nc           *nats.Conn

	closers []func() error
	logger  *zap.Logger
}

// newApp wires the pipeline from cfg. Optional infrastructure (knowledge
// index, NATS, run tracing) that fails to start is logged and left out.
func newApp(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}

	if cfg.RepoContext.Redact {
		r, err := secrets.NewRedactor(secrets.Options{AllowlistPath: cfg.RepoContext.AllowlistPath})
		if err != nil {
			return nil, fmt.Errorf("secret redactor: %w", err)
		}
		a.redactor = r
	}

	gh, err := githubapi.NewClient(ctx, cfg.GitHub.Token, cfg.GitHub.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("github client: %w", err)
	}
	retry := githubapi.DefaultRetryConfig()
	a.fetcher = repocontext.NewFetcher(
		repocontext.NewGitHubSource(gh, retry, logger),
		repocontext.NewLocalSource(),
		repocontext.Options{
			MaxFiles:     cfg.RepoContext.MaxFiles,
			MaxFileChars: cfg.RepoContext.MaxFileChars,
			Exclude:      cfg.RepoContext.Exclude,
			Redactor:     a.redactor,
			Logger:       logger,
		},
	)
	router := &tickets.Router{GitHub: tickets.NewGitHubSource(gh, retry, logger)}
	if cfg.Jira.URL != "" {
		jc := tickets.JiraConfigFrom(cfg.Jira)
		jc.Retry = retry
		j, err := tickets.NewJiraSource(jc, logger)
		if err != nil {
			return nil, fmt.Errorf("jira client: %w", err)
		}
		a.jira = j
		router.Jira = j
	}
	a.tickets = router

	gen, err := llm.New(llm.ConfigFrom(cfg.LLM), logger)
	if err != nil {
		return nil, fmt.Errorf("llm client: %w", err)
	}

	a.knowledge = newKnowledge(ctx, cfg, a, logger)

	stageOpts := stages.Options{
		Temperature:       cfg.LLM.Temperature,
		StrictTemperature: cfg.LLM.StrictTemperature,
		PromptFileChars:   cfg.RepoContext.PromptFileChars,
		Logger:            logger,
	}
	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithGate(pipeline.NewQualityGate(cfg.Pipeline.Thresholds())),
		orchestrator.WithFetcher(a.fetcher),
		orchestrator.WithDefaults(cfg.Pipeline.Language, cfg.Pipeline.TestFramework),
	}
	if a.knowledge != nil {
		stageOpts.Retriever = a.knowledge
		orchOpts = append(orchOpts, orchestrator.WithRecorder(a.knowledge))
	}

	store := checkpoint.NewMemoryStore(&checkpoint.Config{MaxHistory: cfg.Checkpoint.MaxHistory}, logger)
	a.closers = append(a.closers, store.Close)

	a.orchestrator = orchestrator.New(store, orchOpts...)
	for _, exec := range stages.NewAll(gen, stageOpts) {
		a.orchestrator.RegisterStage(exec)
	}

	if tel.IsEnabled() {
		rt, err := telemetry.NewRunTracer(tel)
		if err != nil {
			logger.Warn("run tracing disabled", zap.Error(err))
		} else {
			a.orchestrator.RegisterSink(rt)
		}
	}

	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, logger)
		if err != nil {
			logger.Warn("event relay disabled", zap.String("url", cfg.NATS.URL), zap.Error(err))
		} else {
			a.nc = nc
			a.orchestrator.RegisterSink(events.NewNATSPublisher(nc, logger))
			logger.Info("connected to nats", zap.String("url", nc.ConnectedUrl()))
		}
	}

	logger.Info("pipeline ready",
		zap.Int("stages", len(a.orchestrator.Agents())),
		zap.Bool("knowledge", a.knowledge != nil),
		zap.Bool("nats", a.nc != nil),
		zap.Bool("redaction", a.redactor != nil),
		zap.Bool("jira", a.jira != nil),
		logging.Secret("github_token", cfg.GitHub.Token),
		logging.Secret("jira_api_token", cfg.Jira.APIToken))
	return a, nil
}

// newKnowledge opens the knowledge index, or returns nil when it is disabled
// or unavailable. The embeddings key falls back to the LLM key.
func newKnowledge(ctx context.Context, cfg *config.Config, a *app, logger *zap.Logger) *vectorstore.Knowledge {
	if cfg.VectorStore.Provider == "none" {
		return nil
	}

	embCfg := cfg.Embeddings
	if !embCfg.APIKey.IsSet() {
		embCfg.APIKey = cfg.LLM.APIKey
	}
	emb, err := embeddings.NewProvider(embCfg, logger)
	if err != nil {
		logger.Warn("knowledge index disabled: embeddings unavailable", zap.Error(err))
		return nil
	}

	store, err := vectorstore.NewStore(ctx, cfg.VectorStore, emb, logger)
	if err != nil {
		_ = emb.Close()
		if !errors.Is(err, vectorstore.ErrDisabled) {
			logger.Warn("knowledge index disabled: vector store unavailable", zap.Error(err))
		}
		return nil
	}

	var opts []vectorstore.KnowledgeOption
	if cfg.VectorStore.Rerank {
		opts = append(opts, vectorstore.WithReranker(reranker.NewLexical(reranker.DefaultWeight), vectorstore.DefaultOversample))
	}
	k := vectorstore.NewKnowledge(store, logger, opts...)
	a.closers = append(a.closers, emb.Close, k.Close)
	return k
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	if a.nc != nil {
		a.nc.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}
