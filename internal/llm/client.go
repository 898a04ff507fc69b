// Package llm adapts an OpenAI-compatible chat model to the stage Generator
// interface, adding rate limiting, per-call timeouts and retries.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/pipelined/internal/config"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/fyrsmithlabs/pipelined/internal/stages"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/pipelined/internal/llm")

var (
	// ErrEmptyResponse is returned when the model returns no choices.
	ErrEmptyResponse = errors.New("empty response from model")

	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("invalid llm config")
)

const (
	defaultModel       = "gpt-4o"
	defaultRateLimit   = 1.0
	defaultBurst       = 2
	defaultMaxRetries  = 3
	defaultTimeout     = 60 * time.Second
	defaultBaseBackoff = time.Second
	maxBackoff         = 30 * time.Second

	// Some OpenAI-compatible servers need no key, but the client insists on one.
	placeholderToken = "placeholder"
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	Model       string
	APIKey      config.Secret
	RateLimit   float64 // requests per second
	Burst       int
	MaxRetries  int
	Timeout     time.Duration // per attempt
	BaseBackoff time.Duration
}

// ConfigFrom converts the llm config section.
func ConfigFrom(c config.LLMConfig) Config {
	return Config{
		BaseURL:    c.BaseURL,
		Model:      c.Model,
		APIKey:     c.APIKey,
		RateLimit:  c.RateLimit,
		Burst:      c.Burst,
		MaxRetries: c.MaxRetries,
		Timeout:    c.Timeout.Duration(),
	}
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.Burst < 1 {
		c.Burst = defaultBurst
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
}

// Client implements stages.Generator over a langchaingo model.
type Client struct {
	model   llms.Model
	name    string
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.Logger
}

var _ stages.Generator = (*Client)(nil)

// New creates a client for an OpenAI-compatible chat completions endpoint.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg.applyDefaults()

	token := cfg.APIKey.Value()
	if token == "" {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("%w: api key required for the default endpoint", ErrInvalidConfig)
		}
		token = placeholderToken
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return NewWithModel(model, cfg, logger), nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(model llms.Model, cfg Config, logger *zap.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		model:   model,
		name:    cfg.Model,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		cfg:     cfg,
		logger:  logger,
	}
}

// Complete sends p as a system and a human message and returns the text of
// the first choice. Rate limits, server errors and timeouts are retried with
// exponential backoff.
func (c *Client) Complete(ctx context.Context, p stages.Prompt) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.name),
		attribute.Float64("llm.temperature", p.Temperature),
	)

	msgs := make([]llms.MessageContent, 0, 2)
	if p.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, p.System))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, p.User))

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := min(c.cfg.BaseBackoff*time.Duration(1<<(attempt-1)), maxBackoff)
			logging.For(ctx, c.logger).Info("retrying llm call",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}

		text, err := c.complete(ctx, msgs, p.Temperature)
		if err == nil {
			span.SetAttributes(attribute.Int("llm.attempts", attempt+1))
			if ce := logging.For(ctx, c.logger).Check(logging.TraceLevel, "llm exchange"); ce != nil {
				ce.Write(zap.String("system", p.System), zap.String("user", p.User), zap.String("response", text))
			}
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return "", fmt.Errorf("llm completion: %w", lastErr)
}

func (c *Client) complete(ctx context.Context, msgs []llms.MessageContent, temperature float64) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.model.GenerateContent(callCtx, msgs, llms.WithTemperature(temperature))
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return "", &retryableError{err: fmt.Errorf("timed out after %s: %w", c.cfg.Timeout, err)}
		}
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

// retryableError marks errors worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

var statusPattern = regexp.MustCompile(`status code: (\d{3})`)

// IsRetryable reports whether err is transient: timeouts, network failures,
// rate limiting (429) and server errors (5xx).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code == 429 || code >= 500
	}
	return false
}
