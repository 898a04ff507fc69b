package repocontext

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/githubapi"
)

const defaultBranch = "main"

// GitHubSource reads repositories through the GitHub REST API.
type GitHubSource struct {
	client *github.Client
	retry  githubapi.RetryConfig
	logger *zap.Logger
}

// NewGitHubSource creates a source over client.
func NewGitHubSource(client *github.Client, retry githubapi.RetryConfig, logger *zap.Logger) *GitHubSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubSource{client: client, retry: retry, logger: logger}
}

// ListFiles returns the recursive tree of the default branch.
func (s *GitHubSource) ListFiles(ctx context.Context, repository string) ([]Entry, error) {
	repo, err := githubapi.ParseRepo(repository)
	if err != nil {
		return nil, err
	}

	branch, err := s.defaultBranch(ctx, repo)
	if err != nil {
		return nil, err
	}

	var tree *github.Tree
	_, err = githubapi.Retry(ctx, s.retry, s.logger, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		tree, resp, err = s.client.Git.GetTree(ctx, repo.Owner, repo.Name, branch, true)
		return resp, notFound(resp, err)
	})
	if err != nil {
		return nil, fmt.Errorf("get tree %s@%s: %w", repo, branch, err)
	}
	if tree.GetTruncated() {
		s.logger.Warn("github tree listing truncated", zap.String("repository", repo.String()))
	}

	entries := make([]Entry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		var typ EntryType
		switch e.GetType() {
		case "blob":
			typ = EntryFile
		case "tree":
			typ = EntryDir
		default:
			// submodule commits
			continue
		}
		entries = append(entries, Entry{Path: e.GetPath(), Type: typ, Size: e.GetSize()})
	}
	return entries, nil
}

// GetFile returns the decoded content of path on the default branch.
func (s *GitHubSource) GetFile(ctx context.Context, repository, path string) (*File, error) {
	repo, err := githubapi.ParseRepo(repository)
	if err != nil {
		return nil, err
	}

	var fc *github.RepositoryContent
	_, err = githubapi.Retry(ctx, s.retry, s.logger, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		fc, _, resp, err = s.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, nil)
		return resp, notFound(resp, err)
	})
	if err != nil {
		return nil, fmt.Errorf("get %s in %s: %w", path, repo, err)
	}
	if fc == nil || fc.GetType() != "file" {
		return nil, fmt.Errorf("%s in %s: %w", path, repo, ErrNotAFile)
	}

	content, err := fc.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode %s in %s: %w", path, repo, err)
	}
	return &File{Path: fc.GetPath(), Content: content, Size: fc.GetSize()}, nil
}

func (s *GitHubSource) defaultBranch(ctx context.Context, repo githubapi.Repo) (string, error) {
	var r *github.Repository
	_, err := githubapi.Retry(ctx, s.retry, s.logger, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		r, resp, err = s.client.Repositories.Get(ctx, repo.Owner, repo.Name)
		return resp, notFound(resp, err)
	})
	if err != nil {
		return "", fmt.Errorf("get repository %s: %w", repo, err)
	}
	if b := r.GetDefaultBranch(); b != "" {
		return b, nil
	}
	return defaultBranch, nil
}

// notFound wraps 404 responses with ErrNotFound so callers can match them.
func notFound(resp *github.Response, err error) error {
	if err != nil && githubapi.StatusCode(resp) == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
