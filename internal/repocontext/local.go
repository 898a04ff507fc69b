package repocontext

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// LocalSource reads the HEAD commit of a local git checkout. Uncommitted
// changes are not visible.
type LocalSource struct{}

// NewLocalSource creates a local source.
func NewLocalSource() *LocalSource {
	return &LocalSource{}
}

// ListFiles returns every file of the HEAD tree plus the directories that
// contain them.
func (s *LocalSource) ListFiles(ctx context.Context, repo string) ([]Entry, error) {
	tree, err := s.headTree(repo)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	dirs := map[string]bool{}
	err = tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries = append(entries, Entry{Path: f.Name, Type: EntryFile, Size: int(f.Size)})
		for dir := path.Dir(f.Name); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tree of %s: %w", repo, err)
	}

	for dir := range dirs {
		entries = append(entries, Entry{Path: dir, Type: EntryDir})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// GetFile returns the content of name at HEAD.
func (s *LocalSource) GetFile(_ context.Context, repo, name string) (*File, error) {
	tree, err := s.headTree(repo)
	if err != nil {
		return nil, err
	}

	f, err := tree.File(name)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("%s in %s: %w", name, repo, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s in %s: %w", name, repo, err)
	}
	if binary, err := f.IsBinary(); err != nil || binary {
		return nil, fmt.Errorf("%s in %s: %w", name, repo, ErrNotAFile)
	}

	content, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s in %s: %w", name, repo, err)
	}
	return &File{Path: name, Content: content, Size: int(f.Size)}, nil
}

func (s *LocalSource) headTree(repo string) (*object.Tree, error) {
	r, err := git.PlainOpenWithOptions(localPath(repo), &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", repo, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", repo, err)
	}
	head, err := r.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD of %s: %w", repo, err)
	}
	commit, err := r.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("load HEAD commit of %s: %w", repo, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree of %s: %w", repo, err)
	}
	return tree, nil
}
