// Package githubapi builds authenticated GitHub clients and retries API calls
// that fail transiently.
package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/pipelined/internal/config"
)

// ErrInvalidRepository is returned when a repository reference cannot be parsed.
var ErrInvalidRepository = errors.New("invalid repository reference")

// NewClient creates a GitHub client. A set token authenticates through an
// oauth2 static token source; without one the client is anonymous and
// limited to public repositories. baseURL overrides the API endpoint for
// GitHub Enterprise and tests.
func NewClient(ctx context.Context, token config.Secret, baseURL string) (*github.Client, error) {
	var hc *http.Client
	if token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
		hc = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(hc)

	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid github base url %q", baseURL)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		client.BaseURL = u
	}
	return client, nil
}

// Repo identifies a GitHub repository.
type Repo struct {
	Owner string
	Name  string
}

// String returns owner/name.
func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

var (
	sshRepoPattern  = regexp.MustCompile(`^git@[^:]+:([^/]+)/([^/]+?)(?:\.git)?/?$`)
	httpRepoPattern = regexp.MustCompile(`^https?://[^/]+/([^/]+)/([^/]+?)(?:\.git)?/?$`)
	nameRepoPattern = regexp.MustCompile(`^([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+?)(?:\.git)?$`)
)

// ParseRepo accepts https://github.com/owner/repo, git@github.com:owner/repo.git
// and owner/repo.
func ParseRepo(s string) (Repo, error) {
	s = strings.TrimSpace(s)
	for _, p := range []*regexp.Regexp{httpRepoPattern, sshRepoPattern, nameRepoPattern} {
		if m := p.FindStringSubmatch(s); m != nil {
			return Repo{Owner: m[1], Name: m[2]}, nil
		}
	}
	return Repo{}, fmt.Errorf("%w: %q", ErrInvalidRepository, s)
}
