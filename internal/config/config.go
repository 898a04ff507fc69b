// Package config loads pipelined configuration.
//
// Values come from built-in defaults, an optional YAML file and PIPELINED_*
// environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the complete pipelined configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	LLM           LLMConfig           `koanf:"llm"`
	GitHub        GitHubConfig        `koanf:"github"`
	Jira          JiraConfig          `koanf:"jira"`
	RepoContext   RepoContextConfig   `koanf:"repocontext"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Checkpoint    CheckpointConfig    `koanf:"checkpoint"`
	NATS          NATSConfig          `koanf:"nats"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
}

// ObservabilityConfig holds OpenTelemetry export settings.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	TLSSkipVerify   bool    `koanf:"tls_skip_verify"`
	SampleRate      float64 `koanf:"sample_rate"`
	ExportLogs      bool    `koanf:"export_logs"`
}

// LLMConfig configures the text-generation client.
type LLMConfig struct {
	BaseURL           string   `koanf:"base_url"`
	Model             string   `koanf:"model"`
	APIKey            Secret   `koanf:"api_key"`
	Temperature       float64  `koanf:"temperature"`
	StrictTemperature float64  `koanf:"strict_temperature"`
	RateLimit         float64  `koanf:"rate_limit"`
	Burst             int      `koanf:"burst"`
	MaxRetries        int      `koanf:"max_retries"`
	Timeout           Duration `koanf:"timeout"`
}

// GitHubConfig configures the GitHub API client.
type GitHubConfig struct {
	Token   Secret `koanf:"token"`
	BaseURL string `koanf:"base_url"`
}

// JiraConfig configures the Jira ticket source. An empty URL disables it.
type JiraConfig struct {
	URL             string   `koanf:"url"`
	Email           string   `koanf:"email"`
	APIToken        Secret   `koanf:"api_token"`
	AcceptanceField string   `koanf:"acceptance_field"`
	Timeout         Duration `koanf:"timeout"`
}

// RepoContextConfig bounds the repository snapshot taken at run start.
type RepoContextConfig struct {
	MaxFiles        int    `koanf:"max_files"`
	MaxFileChars    int    `koanf:"max_file_chars"`
	PromptFileChars int    `koanf:"prompt_file_chars"`
	Redact          bool   `koanf:"redact"`
	AllowlistPath   string `koanf:"allowlist_path"`

	// Exclude adds gitignore-style patterns to the built-in exclusions.
	Exclude []string `koanf:"exclude"`
}

// PipelineConfig holds gate thresholds and run defaults.
type PipelineConfig struct {
	RequirementThreshold  float64 `koanf:"requirement_threshold"`
	GenerationThreshold   float64 `koanf:"generation_threshold"`
	VerificationThreshold float64 `koanf:"verification_threshold"`
	Language              string  `koanf:"language"`
	TestFramework         string  `koanf:"test_framework"`
}

// Thresholds returns the gate thresholds keyed by stage.
func (p PipelineConfig) Thresholds() pipeline.Thresholds {
	return pipeline.Thresholds{
		pipeline.StageRequirement:  p.RequirementThreshold,
		pipeline.StageGeneration:   p.GenerationThreshold,
		pipeline.StageVerification: p.VerificationThreshold,
	}
}

// CheckpointConfig bounds the in-memory checkpoint store.
type CheckpointConfig struct {
	MaxHistory int `koanf:"max_history"`
}

// NATSConfig configures the event relay. An empty URL disables it.
type NATSConfig struct {
	URL string `koanf:"url"`
}

// VectorStoreConfig selects the knowledge index backend.
type VectorStoreConfig struct {
	Provider     string `koanf:"provider"`
	Path         string `koanf:"path"`
	Collection   string `koanf:"collection"`
	VectorSize   int    `koanf:"vector_size"`
	QdrantHost   string `koanf:"qdrant_host"`
	QdrantPort   int    `koanf:"qdrant_port"`
	QdrantUseTLS bool   `koanf:"qdrant_use_tls"`
	Rerank       bool   `koanf:"rerank"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

var (
	logLevels          = []string{"trace", "debug", "info", "warn", "error"}
	logFormats         = []string{"json", "console"}
	otlpProtocols      = []string{"grpc", "http/protobuf"}
	vectorProviders    = []string{"chromem", "qdrant", "none"}
	embeddingProviders = []string{"openai", "fastembed"}
)

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return invalid("shutdown timeout must be positive")
	}

	if !slices.Contains(logLevels, c.Logging.Level) {
		return invalid("invalid log level %q", c.Logging.Level)
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		return invalid("log format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Observability.EnableTelemetry {
		if c.Observability.ServiceName == "" {
			return invalid("service name required when telemetry is enabled")
		}
		if !slices.Contains(otlpProtocols, c.Observability.Protocol) {
			return invalid("invalid otlp protocol %q", c.Observability.Protocol)
		}
	}

	if c.LLM.Model == "" {
		return invalid("llm model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 || c.LLM.StrictTemperature < 0 || c.LLM.StrictTemperature > 2 {
		return invalid("llm temperatures must be between 0 and 2")
	}
	if c.LLM.RateLimit <= 0 || c.LLM.Burst < 1 {
		return invalid("llm rate_limit must be positive and burst at least 1")
	}
	if c.LLM.MaxRetries < 0 {
		return invalid("llm max_retries must be >= 0")
	}
	if c.LLM.Timeout.Duration() <= 0 {
		return invalid("llm timeout must be positive")
	}

	if c.Jira.URL != "" {
		if u, err := url.Parse(c.Jira.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("invalid jira url %q", c.Jira.URL)
		}
		if c.Jira.Email == "" || !c.Jira.APIToken.IsSet() {
			return invalid("jira email and api_token are required when jira url is set")
		}
		if c.Jira.Timeout.Duration() <= 0 {
			return invalid("jira timeout must be positive")
		}
	}

	if c.RepoContext.MaxFiles < 0 || c.RepoContext.MaxFileChars < 0 || c.RepoContext.PromptFileChars < 0 {
		return invalid("repocontext limits must be >= 0")
	}

	for stage, t := range c.Pipeline.Thresholds() {
		if t < 0 || t > 1 {
			return invalid("%s threshold must be between 0 and 1, got %g", stage, t)
		}
	}
	if c.Checkpoint.MaxHistory < 0 {
		return invalid("checkpoint max_history must be >= 0")
	}

	if !slices.Contains(vectorProviders, c.VectorStore.Provider) {
		return invalid("unknown vectorstore provider %q", c.VectorStore.Provider)
	}
	if c.VectorStore.Provider == "qdrant" && (c.VectorStore.QdrantHost == "" || c.VectorStore.QdrantPort <= 0) {
		return invalid("qdrant host and port are required")
	}
	if c.VectorStore.Provider != "none" && !slices.Contains(embeddingProviders, c.Embeddings.Provider) {
		return invalid("unknown embeddings provider %q", c.Embeddings.Provider)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
