// Package repocontext takes the repository snapshot a pipeline run works
// against: a structure listing plus a bounded set of key files, fetched from
// GitHub or a local git checkout and scrubbed of secrets.
package repocontext

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when a repository or file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotAFile is returned when a path names a directory or binary blob.
	ErrNotAFile = errors.New("not a regular text file")

	// ErrNoSource is returned when no source is configured for a repository kind.
	ErrNoSource = errors.New("no source configured")
)

// EntryType distinguishes files from directories in a listing.
type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

// Entry is one item of a recursive repository listing.
type Entry struct {
	Path string    `json:"path"`
	Type EntryType `json:"type"`
	Size int       `json:"size"`
}

// File is a repository file with its decoded content.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int    `json:"size"`
}

// Source lists and reads repository files.
type Source interface {
	ListFiles(ctx context.Context, repo string) ([]Entry, error)
	GetFile(ctx context.Context, repo, path string) (*File, error)
}

// IsLocal reports whether repo names a local checkout rather than a GitHub
// repository. Local references are file:// URLs or absolute or dot-relative
// paths.
func IsLocal(repo string) bool {
	if strings.HasPrefix(repo, "file://") {
		return true
	}
	return filepath.IsAbs(repo) || strings.HasPrefix(repo, "./") || strings.HasPrefix(repo, "../") || repo == "."
}

// localPath strips a file:// prefix and expands ~.
func localPath(repo string) string {
	p := strings.TrimPrefix(repo, "file://")
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Clean(p)
}
