// Package client is a Go client for the pipelined HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/bundle"
	api "github.com/fyrsmithlabs/pipelined/internal/http"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
	"github.com/fyrsmithlabs/pipelined/internal/tickets"
)

// DefaultTimeout bounds non-streaming calls. Runs call the LLM several
// times, so it is generous.
const DefaultTimeout = 10 * time.Minute

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client calls a pipelined server.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health returns the server health report.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Analyze runs req to completion and returns its bundle.
func (c *Client) Analyze(ctx context.Context, req orchestrator.Request) (*bundle.OutputBundle, error) {
	var out bundle.OutputBundle
	if err := c.do(ctx, http.MethodPost, "/api/v1/analyze", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetState returns the latest checkpoint of threadID. A missing thread is
// reported as orchestrator.ErrThreadNotFound.
func (c *Client) GetState(ctx context.Context, threadID string) (*pipeline.State, error) {
	var out pipeline.State
	if err := c.do(ctx, http.MethodGet, workflowPath(threadID, "state"), nil, &out); err != nil {
		return nil, notFound(err, threadID)
	}
	return &out, nil
}

// GetHistory returns every checkpoint of threadID, newest first.
func (c *Client) GetHistory(ctx context.Context, threadID string) ([]*pipeline.State, error) {
	var out api.HistoryResponse
	if err := c.do(ctx, http.MethodGet, workflowPath(threadID, "history"), nil, &out); err != nil {
		return nil, notFound(err, threadID)
	}
	return out.History, nil
}

// Resume continues threadID from its last checkpoint.
func (c *Client) Resume(ctx context.Context, threadID string) (*pipeline.State, error) {
	var out pipeline.State
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflow/resume", api.ResumeRequest{ThreadID: threadID}, &out); err != nil {
		return nil, notFound(err, threadID)
	}
	return &out, nil
}

// Diagram returns the workflow diagram.
func (c *Client) Diagram(ctx context.Context) (*api.DiagramResponse, error) {
	var out api.DiagramResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/workflow/diagram", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Agents returns the registered stage executors and their counters.
func (c *Client) Agents(ctx context.Context) (*api.AgentsResponse, error) {
	var out api.AgentsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ticket fetches an issue through the server's ticket source.
func (c *Client) Ticket(ctx context.Context, id string) (*tickets.Ticket, error) {
	var path string
	if tickets.IsJiraKey(id) {
		path = "/api/v1/tickets/" + url.PathEscape(id)
	} else {
		ref, err := tickets.ParseRef(id)
		if err != nil {
			return nil, err
		}
		path = fmt.Sprintf("/api/v1/tickets/%s/%s/%d",
			url.PathEscape(ref.Repo.Owner), url.PathEscape(ref.Repo.Name), ref.Number)
	}
	var out tickets.Ticket
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, c.http, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// send issues the request and converts non-2xx responses to *APIError.
// On success the caller owns resp.Body.
func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		apiErr.Message = body.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func notFound(err error, threadID string) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", orchestrator.ErrThreadNotFound, threadID)
	}
	return err
}

func workflowPath(threadID, leaf string) string {
	return "/api/v1/workflow/" + url.PathEscape(threadID) + "/" + leaf
}
