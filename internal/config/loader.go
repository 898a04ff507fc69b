package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "PIPELINED_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// defaults is loaded before the file and the environment.
const defaults = `
server:
  port: 9090
  shutdown_timeout: 10s
logging:
  level: info
  format: json
  sampling: true
observability:
  enable_telemetry: false
  service_name: pipelined
  endpoint: localhost:4317
  protocol: grpc
  insecure: true
  sample_rate: 1.0
  export_logs: true
llm:
  model: gpt-4o
  temperature: 0.3
  strict_temperature: 0
  rate_limit: 1
  burst: 2
  max_retries: 3
  timeout: 60s
jira:
  timeout: 30s
repocontext:
  max_files: 10
  max_file_chars: 5000
  prompt_file_chars: 3000
  redact: true
pipeline:
  requirement_threshold: 0.7
  generation_threshold: 0.7
  verification_threshold: 0.7
  language: python
  test_framework: pytest
checkpoint:
  max_history: 0
vectorstore:
  provider: chromem
  path: ~/.config/pipelined/knowledge
  collection: pipelined_knowledge
  vector_size: 1536
  qdrant_host: localhost
  qdrant_port: 6334
  rerank: true
embeddings:
  provider: openai
  model: text-embedding-3-small
`

// Load reads the defaults and environment overrides.
func Load() (*Config, error) {
	return load(nil)
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables. An empty path means ~/.config/pipelined/config.yaml.
// A missing file is not an error.
//
// The file must live under ~/.config/pipelined, /etc/pipelined or the system
// temp dir, must be mode 0600 or 0400 and must not exceed 1MB.
//
// Environment variables map to keys by dropping the PIPELINED_ prefix,
// lowercasing and splitting section from field at the first underscore:
//
//	PIPELINED_SERVER_PORT            -> server.port
//	PIPELINED_LLM_API_KEY            -> llm.api_key
//	PIPELINED_JIRA_API_TOKEN         -> jira.api_token
//	PIPELINED_VECTORSTORE_QDRANT_HOST -> vectorstore.qdrant_host
func LoadWithFile(configPath string) (*Config, error) {
	if configPath == "" {
		path, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = path
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	return load(content)
}

// DefaultPath returns ~/.config/pipelined/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "pipelined", "config.yaml"), nil
}

func load(file []byte) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if file != nil {
		if err := k.Load(rawbytes.Provider(file), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps PIPELINED_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, found := strings.Cut(lower, "_")
	if !found {
		return lower
	}
	return section + "." + field
}

// readConfigFile returns the file content, or nil when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate through the open descriptor so the checked file is the read file.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// EnsureConfigDir creates ~/.config/pipelined with 0700 permissions.
func EnsureConfigDir() error {
	path, err := DefaultPath()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// validateConfigPath checks that path resolves inside an allowed directory.
// It runs even when the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	for _, dir := range allowedDirs(home) {
		rel, err := filepath.Rel(dir, resolved)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/pipelined/, /etc/pipelined/ or the temp dir")
}

func allowedDirs(home string) []string {
	dirs := []string{
		filepath.Join(home, ".config", "pipelined"),
		"/etc/pipelined",
		os.TempDir(),
	}
	// TempDir may itself be a symlink (macOS /var -> /private/var).
	if resolved, err := filepath.EvalSymlinks(os.TempDir()); err == nil {
		dirs = append(dirs, resolved)
	}
	return dirs
}

// validateConfigFileProperties checks permissions and size of an opened file.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0o600 && perm != 0o400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
