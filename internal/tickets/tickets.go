// Package tickets reads work items from Jira or GitHub issues so a run can
// start from a ticket reference alone.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/githubapi"
)

var (
	// ErrInvalidTicketID is returned for ids no configured source accepts.
	ErrInvalidTicketID = errors.New("invalid ticket id")

	// ErrNotFound is returned when the ticket does not exist.
	ErrNotFound = errors.New("ticket not found")
)

// Ticket sources.
const (
	SourceJira   = "jira"
	SourceGitHub = "github"
)

// Ticket is a work item. The fields after URL are only filled by Jira.
type Ticket struct {
	ID                 string   `json:"id"`
	Source             string   `json:"source"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty"`
	Labels             []string `json:"labels,omitempty"`
	Status             string   `json:"status"`
	URL                string   `json:"url,omitempty"`

	IssueType    string   `json:"issue_type,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Components   []string `json:"components,omitempty"`
	LinkedIssues []string `json:"linked_issues,omitempty"`
	Assignee     string   `json:"assignee,omitempty"`
	Reporter     string   `json:"reporter,omitempty"`
	EpicKey      string   `json:"epic_key,omitempty"`
	StoryPoints  *float64 `json:"story_points,omitempty"`
}

// Source fetches tickets by id.
type Source interface {
	Get(ctx context.Context, id string) (*Ticket, error)
}

// Router sends Jira keys to Jira and owner/repo#number references to
// GitHub. Either source may be nil.
type Router struct {
	Jira   Source
	GitHub Source
}

// Get implements Source.
func (r *Router) Get(ctx context.Context, id string) (*Ticket, error) {
	id = strings.TrimSpace(id)
	switch {
	case r.Jira != nil && IsJiraKey(id):
		return r.Jira.Get(ctx, id)
	case r.GitHub != nil && refPattern.MatchString(id):
		return r.GitHub.Get(ctx, id)
	}
	return nil, fmt.Errorf("%w: %q (no ticket source accepts it)", ErrInvalidTicketID, id)
}

// Ref identifies a GitHub issue.
type Ref struct {
	Repo   githubapi.Repo
	Number int
}

// String returns owner/repo#number.
func (r Ref) String() string {
	return fmt.Sprintf("%s#%d", r.Repo, r.Number)
}

var refPattern = regexp.MustCompile(`^([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)#([0-9]+)$`)

// ParseRef parses owner/repo#number.
func ParseRef(id string) (Ref, error) {
	m := refPattern.FindStringSubmatch(strings.TrimSpace(id))
	if m == nil {
		return Ref{}, fmt.Errorf("%w: %q (want owner/repo#number)", ErrInvalidTicketID, id)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil || n <= 0 {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidTicketID, id)
	}
	return Ref{Repo: githubapi.Repo{Owner: m[1], Name: m[2]}, Number: n}, nil
}

// GitHubSource reads tickets from GitHub issues.
type GitHubSource struct {
	client *github.Client
	retry  githubapi.RetryConfig
	logger *zap.Logger
}

// NewGitHubSource creates a ticket source over client.
func NewGitHubSource(client *github.Client, retry githubapi.RetryConfig, logger *zap.Logger) *GitHubSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubSource{client: client, retry: retry, logger: logger}
}

// Get fetches the issue named by id.
func (s *GitHubSource) Get(ctx context.Context, id string) (*Ticket, error) {
	ref, err := ParseRef(id)
	if err != nil {
		return nil, err
	}

	var issue *github.Issue
	resp, err := githubapi.Retry(ctx, s.retry, s.logger, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = s.client.Issues.Get(ctx, ref.Repo.Owner, ref.Repo.Name, ref.Number)
		return resp, err
	})
	if err != nil {
		if githubapi.StatusCode(resp) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("get issue %s: %w", ref, err)
	}

	return FromIssue(ref, issue), nil
}

// FromIssue converts a GitHub issue into a Ticket.
func FromIssue(ref Ref, issue *github.Issue) *Ticket {
	body := issue.GetBody()
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return &Ticket{
		ID:                 ref.String(),
		Source:             SourceGitHub,
		Title:              issue.GetTitle(),
		Description:        body,
		AcceptanceCriteria: AcceptanceCriteria(body),
		Labels:             labels,
		Status:             issue.GetState(),
		URL:                issue.GetHTMLURL(),
	}
}

var headingPattern = regexp.MustCompile(`^\s{0,3}(#{1,6})\s+(.*?)\s*#*\s*$`)

// AcceptanceCriteria returns the body of the "Acceptance Criteria" markdown
// section: everything after the heading up to the next heading of the same
// or higher level. A bold "**Acceptance Criteria**" line also opens the
// section, which then runs to the next heading or blank-line-separated bold
// line.
func AcceptanceCriteria(body string) string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")

	start, level := -1, 0
	for i, line := range lines {
		if m := headingPattern.FindStringSubmatch(line); m != nil && isCriteriaTitle(m[2]) {
			start, level = i+1, len(m[1])
			break
		}
		if t := strings.TrimSpace(line); strings.HasPrefix(t, "**") && isCriteriaTitle(strings.Trim(t, "*: ")) {
			start, level = i+1, 7
			break
		}
	}
	if start < 0 {
		return ""
	}

	end := len(lines)
	for i := start; i < len(lines); i++ {
		if m := headingPattern.FindStringSubmatch(lines[i]); m != nil && len(m[1]) <= level {
			end = i
			break
		}
		if level == 7 && strings.HasPrefix(strings.TrimSpace(lines[i]), "**") && i > start && strings.TrimSpace(lines[i-1]) == "" {
			end = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}

func isCriteriaTitle(s string) bool {
	s = strings.ToLower(strings.TrimRight(strings.TrimSpace(s), ":"))
	return s == "acceptance criteria" || s == "acceptance criterion" || s == "ac"
}
