package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/config"
	"github.com/fyrsmithlabs/pipelined/internal/githubapi"
)

// ErrJiraAuth is returned when Jira rejects the configured credentials or
// denies access to a ticket.
var ErrJiraAuth = errors.New("jira access denied")

const (
	defaultJiraTimeout = 30 * time.Second
	maxErrorBody       = 200
)

// Custom fields commonly holding acceptance criteria, checked in order
// after the configured one.
var acceptanceFields = []string{
	"customfield_10001",
	"customfield_10100",
	"customfield_10200",
	"customfield_10300",
	"customfield_10400",
	"customfield_10014",
	"customfield_10015",
}

var storyPointFields = []string{
	"customfield_10002",
	"customfield_10004",
	"customfield_10016",
	"customfield_10026",
}

var jiraKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]+-[1-9][0-9]*$`)

// IsJiraKey reports whether id looks like a Jira issue key (PROJ-123).
func IsJiraKey(id string) bool {
	return jiraKeyPattern.MatchString(strings.TrimSpace(id))
}

// JiraConfig configures a JiraSource.
type JiraConfig struct {
	URL      string
	Email    string
	APIToken config.Secret

	// AcceptanceField is a custom field id checked before the common ones.
	AcceptanceField string

	// Timeout bounds each HTTP request.
	// Default: 30s
	Timeout time.Duration

	Retry githubapi.RetryConfig
}

// JiraConfigFrom maps the loaded configuration onto a JiraConfig.
func JiraConfigFrom(c config.JiraConfig) JiraConfig {
	return JiraConfig{
		URL:             c.URL,
		Email:           c.Email,
		APIToken:        c.APIToken,
		AcceptanceField: c.AcceptanceField,
		Timeout:         c.Timeout.Duration(),
	}
}

// ServerInfo is the result of a Jira connection test.
type ServerInfo struct {
	Connected      bool   `json:"connected"`
	ServerTitle    string `json:"server_title,omitempty"`
	Version        string `json:"version,omitempty"`
	DeploymentType string `json:"deployment_type,omitempty"`
	BaseURL        string `json:"base_url,omitempty"`
	Error          string `json:"error,omitempty"`
}

// JiraSource reads tickets from the Jira REST API. Cloud instances
// (*.atlassian.net) use API v3, everything else v2.
type JiraSource struct {
	base       *url.URL
	email      string
	token      config.Secret
	cloud      bool
	acField    string
	retry      githubapi.RetryConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewJiraSource creates a Jira ticket source.
func NewJiraSource(cfg JiraConfig, logger *zap.Logger) (*JiraSource, error) {
	u, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid jira url %q", cfg.URL)
	}
	if cfg.Email == "" || !cfg.APIToken.IsSet() {
		return nil, errors.New("jira email and api token are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultJiraTimeout
	}
	cfg.Retry.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JiraSource{
		base:       u,
		email:      cfg.Email,
		token:      cfg.APIToken,
		cloud:      strings.HasSuffix(u.Hostname(), ".atlassian.net"),
		acField:    cfg.AcceptanceField,
		retry:      cfg.Retry,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

func (s *JiraSource) apiVersion() string {
	if s.cloud {
		return "3"
	}
	return "2"
}

// Get fetches the issue with key id.
func (s *JiraSource) Get(ctx context.Context, id string) (*Ticket, error) {
	key := strings.TrimSpace(id)
	if !IsJiraKey(key) {
		return nil, fmt.Errorf("%w: %q (want a jira key like PROJ-123)", ErrInvalidTicketID, id)
	}

	q := url.Values{"expand": {"renderedFields,names"}, "fields": {"*all"}}
	var issue jiraIssue
	if err := s.get(ctx, q, &issue, "rest", "api", s.apiVersion(), "issue", key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get jira issue %s: %w", key, err)
	}
	return s.ticket(issue)
}

// Search returns up to limit tickets matching jql.
func (s *JiraSource) Search(ctx context.Context, jql string, limit int) ([]*Ticket, error) {
	if strings.TrimSpace(jql) == "" {
		return nil, fmt.Errorf("%w: empty jql", ErrInvalidTicketID)
	}
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{
		"jql":        {jql},
		"maxResults": {strconv.Itoa(limit)},
		"fields":     {"*all"},
		"expand":     {"renderedFields"},
	}
	var resp struct {
		Issues []jiraIssue `json:"issues"`
	}
	if err := s.get(ctx, q, &resp, "rest", "api", s.apiVersion(), "search"); err != nil {
		return nil, fmt.Errorf("search jira: %w", err)
	}

	out := make([]*Ticket, 0, len(resp.Issues))
	for _, issue := range resp.Issues {
		t, err := s.ticket(issue)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// TestConnection reads the server info. Failures are reported in the
// result rather than returned.
func (s *JiraSource) TestConnection(ctx context.Context) ServerInfo {
	var info struct {
		ServerTitle    string `json:"serverTitle"`
		Version        string `json:"version"`
		DeploymentType string `json:"deploymentType"`
	}
	if err := s.get(ctx, nil, &info, "rest", "api", "2", "serverInfo"); err != nil {
		return ServerInfo{Connected: false, BaseURL: s.base.String(), Error: err.Error()}
	}
	return ServerInfo{
		Connected:      true,
		ServerTitle:    info.ServerTitle,
		Version:        info.Version,
		DeploymentType: info.DeploymentType,
		BaseURL:        s.base.String(),
	}
}

// StatusError is a Jira response with an unexpected status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("jira api error: HTTP %d", e.Code)
	}
	return fmt.Sprintf("jira api error: HTTP %d: %s", e.Code, e.Body)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// get issues a GET for the path segments and decodes the JSON body into out.
// Network errors, 429 and 5xx are retried with exponential backoff.
func (s *JiraSource) get(ctx context.Context, q url.Values, out any, segments ...string) error {
	u := s.base.JoinPath(segments...)
	u.RawQuery = q.Encode()
	target := u.String()

	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.SetBasicAuth(s.email, s.token.Value())
		req.Header.Set("Accept", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(ctx.Err())
			}
			return struct{}{}, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("decode jira response: %w", err))
			}
			return struct{}{}, nil
		case resp.StatusCode == http.StatusNotFound:
			return struct{}{}, backoff.Permanent(ErrNotFound)
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: HTTP %d", ErrJiraAuth, resp.StatusCode))
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if retryableStatus(resp.StatusCode) {
			return struct{}{}, serr
		}
		return struct{}{}, backoff.Permanent(serr)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialBackoff
	b.MaxInterval = s.retry.MaxBackoff
	b.Multiplier = s.retry.BackoffMultiplier

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.retry.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.Info("retrying jira api call after transient error",
				zap.String("path", u.Path),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		}),
	)
	return err
}

type jiraIssue struct {
	ID             string                     `json:"id"`
	Key            string                     `json:"key"`
	Fields         json.RawMessage            `json:"fields"`
	RenderedFields map[string]json.RawMessage `json:"renderedFields"`
}

type jiraNamed struct {
	Name string `json:"name"`
}

type jiraUser struct {
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

func (u *jiraUser) String() string {
	if u == nil {
		return ""
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.EmailAddress
}

type jiraLink struct {
	Outward *struct {
		Key string `json:"key"`
	} `json:"outwardIssue"`
	Inward *struct {
		Key string `json:"key"`
	} `json:"inwardIssue"`
}

type jiraFields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"`
	Status      *jiraNamed      `json:"status"`
	IssueType   *jiraNamed      `json:"issuetype"`
	Priority    *jiraNamed      `json:"priority"`
	Labels      []string        `json:"labels"`
	Components  []jiraNamed     `json:"components"`
	IssueLinks  []jiraLink      `json:"issuelinks"`
	Assignee    *jiraUser       `json:"assignee"`
	Reporter    *jiraUser       `json:"reporter"`
}

// ticket converts an issue payload into a Ticket.
func (s *JiraSource) ticket(issue jiraIssue) (*Ticket, error) {
	var fields jiraFields
	var all map[string]json.RawMessage
	if len(issue.Fields) > 0 {
		if err := json.Unmarshal(issue.Fields, &fields); err != nil {
			return nil, fmt.Errorf("decode jira issue %s: %w", issue.Key, err)
		}
		if err := json.Unmarshal(issue.Fields, &all); err != nil {
			return nil, fmt.Errorf("decode jira issue %s: %w", issue.Key, err)
		}
	}

	description := RichText(fields.Description)
	t := &Ticket{
		ID:                 issue.Key,
		Source:             SourceJira,
		Title:              fields.Summary,
		Description:        description,
		AcceptanceCriteria: s.acceptanceCriteria(all, issue.RenderedFields, description),
		Labels:             fields.Labels,
		Status:             "Unknown",
		IssueType:          "Task",
		URL:                s.base.JoinPath("browse", issue.Key).String(),
		Assignee:           fields.Assignee.String(),
		Reporter:           fields.Reporter.String(),
		EpicKey:            epicKey(all),
		StoryPoints:        storyPoints(all),
	}
	if fields.Status != nil && fields.Status.Name != "" {
		t.Status = fields.Status.Name
	}
	if fields.IssueType != nil && fields.IssueType.Name != "" {
		t.IssueType = fields.IssueType.Name
	}
	if fields.Priority != nil {
		t.Priority = fields.Priority.Name
	}
	for _, c := range fields.Components {
		t.Components = append(t.Components, c.Name)
	}
	for _, l := range fields.IssueLinks {
		if l.Outward != nil {
			t.LinkedIssues = append(t.LinkedIssues, l.Outward.Key)
		}
		if l.Inward != nil {
			t.LinkedIssues = append(t.LinkedIssues, l.Inward.Key)
		}
	}
	return t, nil
}

var htmlTag = regexp.MustCompile(`<[^>]+>`)

// acceptanceCriteria looks in the custom fields, then their rendered HTML,
// then the description's criteria section or Given/When/Then paragraphs.
func (s *JiraSource) acceptanceCriteria(fields, rendered map[string]json.RawMessage, description string) string {
	ids := acceptanceFields
	if s.acField != "" {
		ids = append([]string{s.acField}, acceptanceFields...)
	}
	for _, id := range ids {
		if v := strings.TrimSpace(RichText(fields[id])); v != "" {
			return v
		}
	}
	for _, id := range ids {
		if h := strings.TrimSpace(RichText(rendered[id])); h != "" {
			return strings.TrimSpace(html.UnescapeString(htmlTag.ReplaceAllString(h, "")))
		}
	}
	if ac := AcceptanceCriteria(description); ac != "" {
		return ac
	}
	return gherkin(description)
}

// gherkin returns the paragraphs of text that open with "Given".
func gherkin(text string) string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		p = strings.TrimSpace(p)
		if len(p) >= 6 && strings.EqualFold(p[:6], "given ") {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

func epicKey(fields map[string]json.RawMessage) string {
	for _, id := range []string{"customfield_10008", "customfield_10014", "parent"} {
		raw, ok := fields[id]
		if !ok || string(raw) == "null" {
			continue
		}
		var key string
		if json.Unmarshal(raw, &key) == nil && key != "" {
			return key
		}
		var obj struct {
			Key string `json:"key"`
		}
		if json.Unmarshal(raw, &obj) == nil && obj.Key != "" {
			return obj.Key
		}
	}
	return ""
}

func storyPoints(fields map[string]json.RawMessage) *float64 {
	for _, id := range storyPointFields {
		raw, ok := fields[id]
		if !ok || string(raw) == "null" {
			continue
		}
		var v float64
		if json.Unmarshal(raw, &v) == nil {
			return &v
		}
	}
	return nil
}
