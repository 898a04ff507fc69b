package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/pipelined/internal/config"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/fyrsmithlabs/pipelined/internal/stages"
)

// fakeModel returns queued results in order.
type fakeModel struct {
	results []func(ctx context.Context) (*llms.ContentResponse, error)
	calls   int
	last    []llms.MessageContent
	opts    llms.CallOptions
}

func (f *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.last = msgs
	for _, o := range options {
		o(&f.opts)
	}
	r := f.results[min(f.calls, len(f.results)-1)]
	f.calls++
	return r(ctx)
}

func (f *fakeModel) Call(context.Context, string, ...llms.CallOption) (string, error) {
	return "", errors.New("not supported")
}

func reply(text string) func(context.Context) (*llms.ContentResponse, error) {
	return func(context.Context) (*llms.ContentResponse, error) {
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}, nil
	}
}

func fail(err error) func(context.Context) (*llms.ContentResponse, error) {
	return func(context.Context) (*llms.ContentResponse, error) { return nil, err }
}

func testConfig() Config {
	return Config{
		Model:       "test-model",
		RateLimit:   1000,
		Burst:       10,
		MaxRetries:  2,
		Timeout:     time.Second,
		BaseBackoff: time.Millisecond,
	}
}

func TestClient_Complete(t *testing.T) {
	model := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){reply(`{"ok":true}`)}}
	c := NewWithModel(model, testConfig(), zaptest.NewLogger(t))

	out, err := c.Complete(context.Background(), stages.Prompt{System: "be terse", User: "hi", Temperature: 0.3})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)

	require.Len(t, model.last, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.last[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.last[1].Role)
	assert.Equal(t, llms.TextContent{Text: "hi"}, model.last[1].Parts[0])
	assert.InDelta(t, 0.3, model.opts.Temperature, 1e-9)
}

func TestClient_Complete_TraceLogsExchange(t *testing.T) {
	core, logs := observer.New(logging.TraceLevel)
	model := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){reply("done")}}
	c := NewWithModel(model, testConfig(), zap.New(core))

	ctx := logging.WithThreadID(context.Background(), "th-1")
	_, err := c.Complete(ctx, stages.Prompt{System: "sys", User: "usr"})
	require.NoError(t, err)

	entries := logs.FilterMessage("llm exchange").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "usr", fields["user"])
	assert.Equal(t, "done", fields["response"])
	assert.Equal(t, "th-1", fields["thread_id"])

	quiet, quietLogs := observer.New(zap.DebugLevel)
	c = NewWithModel(&fakeModel{results: model.results}, testConfig(), zap.New(quiet))
	_, err = c.Complete(context.Background(), stages.Prompt{User: "usr"})
	require.NoError(t, err)
	assert.Zero(t, quietLogs.FilterMessage("llm exchange").Len())
}

func TestClient_Complete_NoSystemPrompt(t *testing.T) {
	model := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){reply("x")}}
	_, err := NewWithModel(model, testConfig(), nil).Complete(context.Background(), stages.Prompt{User: "hi"})
	require.NoError(t, err)
	require.Len(t, model.last, 1)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.last[0].Role)
}

func TestClient_Complete_RetriesTransient(t *testing.T) {
	model := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){
		fail(errors.New("API returned unexpected status code: 429: slow down")),
		fail(errors.New("API returned unexpected status code: 503")),
		reply("done"),
	}}
	out, err := NewWithModel(model, testConfig(), zaptest.NewLogger(t)).Complete(context.Background(), stages.Prompt{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 3, model.calls)
}

func TestClient_Complete_PermanentError(t *testing.T) {
	model := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){
		fail(errors.New("API returned unexpected status code: 401: bad key")),
	}}
	_, err := NewWithModel(model, testConfig(), nil).Complete(context.Background(), stages.Prompt{User: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, 1, model.calls)
}

func TestClient_Complete_ExhaustsRetries(t *testing.T) {
	model := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){
		fail(errors.New("API returned unexpected status code: 500")),
	}}
	_, err := NewWithModel(model, testConfig(), nil).Complete(context.Background(), stages.Prompt{User: "hi"})
	require.Error(t, err)
	assert.Equal(t, 3, model.calls)
}

func TestClient_Complete_TimeoutIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 10 * time.Millisecond
	model := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){
		func(ctx context.Context) (*llms.ContentResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		reply("late but fine"),
	}}
	out, err := NewWithModel(model, cfg, nil).Complete(context.Background(), stages.Prompt{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "late but fine", out)
}

func TestClient_Complete_EmptyResponse(t *testing.T) {
	model := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){
		func(context.Context) (*llms.ContentResponse, error) { return &llms.ContentResponse{}, nil },
	}}
	_, err := NewWithModel(model, testConfig(), nil).Complete(context.Background(), stages.Prompt{User: "hi"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestClient_Complete_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){reply("x")}}
	_, err := NewWithModel(model, testConfig(), nil).Complete(ctx, stages.Prompt{User: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_OpenAICompatibleServer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var body struct {
			Model    string           `json:"model"`
			Messages []map[string]any `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "local-model", body.Model)
		if assert.Len(t, body.Messages, 2) {
			assert.Equal(t, "system", body.Messages[0]["role"])
			assert.Equal(t, "user", body.Messages[1]["role"])
		}
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"warming up"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"local-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.BaseURL = srv.URL
	cfg.Model = "local-model"
	c, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), stages.Prompt{System: "s", User: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
	assert.Equal(t, int32(2), hits.Load())
}

func TestNew_RequiresKeyForDefaultEndpoint(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.LLMConfig{
		BaseURL:    "http://localhost:11434/v1",
		Model:      "llama3",
		APIKey:     "k",
		RateLimit:  2,
		Burst:      3,
		MaxRetries: 4,
		Timeout:    config.Duration(5 * time.Second),
	})
	assert.Equal(t, "llama3", cfg.Model)
	assert.Equal(t, "k", cfg.APIKey.Value())
	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(&retryableError{err: errors.New("x")}))
	assert.True(t, IsRetryable(errors.New("API returned unexpected status code: 502")))
	assert.False(t, IsRetryable(errors.New("API returned unexpected status code: 400: bad")))
	assert.False(t, IsRetryable(errors.New("malformed")))
}
