package repocontext

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/ignore"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
	"github.com/fyrsmithlabs/pipelined/pkg/secrets"
)

// Defaults for Options.
const (
	DefaultMaxFiles            = 10
	DefaultMaxFileChars        = 5000
	DefaultMaxStructureEntries = 500
)

// priorityFiles are fetched first, in this order, when present.
var priorityFiles = []string{
	"README.md", "readme.md", "README.rst",
	"setup.py", "pyproject.toml", "package.json",
	"requirements.txt", "Cargo.toml", "go.mod",
	"src/main.py", "app/main.py", "main.py",
	"src/index.js", "src/index.ts", "index.js",
	"app/__init__.py", "src/__init__.py",
}

var (
	sourceExtensions = []string{".py", ".js", ".ts", ".go"}
	sourceDirs       = []string{"src/", "app/", "lib/", "internal/", "cmd/"}
)

// Options bounds what a Fetcher captures.
type Options struct {
	MaxFiles            int
	MaxFileChars        int
	MaxStructureEntries int

	// Exclude adds gitignore-style patterns to ignore.DefaultPatterns. A
	// repository's own ignore.FileName is applied on top.
	Exclude []string

	// Redactor masks secrets in fetched content. Nil disables redaction.
	Redactor *secrets.Redactor
	Logger   *zap.Logger
}

// Fetcher builds the repository context of a run.
type Fetcher struct {
	github Source
	local  Source
	opts   Options
	logger *zap.Logger
}

// NewFetcher creates a fetcher. Either source may be nil; repositories that
// need a missing source fail to fetch.
func NewFetcher(github, local Source, opts Options) *Fetcher {
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.MaxFileChars <= 0 {
		opts.MaxFileChars = DefaultMaxFileChars
	}
	if opts.MaxStructureEntries <= 0 {
		opts.MaxStructureEntries = DefaultMaxStructureEntries
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{github: github, local: local, opts: opts, logger: logger}
}

// route picks the source serving repo.
func (f *Fetcher) route(repo string) (Source, string, error) {
	src, kind := f.github, pipeline.ContextSourceGitHub
	if IsLocal(repo) {
		src, kind = f.local, pipeline.ContextSourceLocal
	}
	if src == nil {
		return nil, kind, fmt.Errorf("%w: no %s source configured for %s", ErrNoSource, kind, repo)
	}
	return src, kind, nil
}

// ListFiles implements Source by routing to the local or GitHub source.
func (f *Fetcher) ListFiles(ctx context.Context, repo string) ([]Entry, error) {
	src, _, err := f.route(repo)
	if err != nil {
		return nil, err
	}
	return src.ListFiles(ctx, repo)
}

// GetFile implements Source by routing to the local or GitHub source. The
// content is returned whole and unredacted.
func (f *Fetcher) GetFile(ctx context.Context, repo, path string) (*File, error) {
	src, _, err := f.route(repo)
	if err != nil {
		return nil, err
	}
	return src.GetFile(ctx, repo, path)
}

// Fetch lists repository and reads up to MaxFiles key files. It returns
// whatever context it gathered together with the joined errors of the
// listing and of every file that could not be read.
func (f *Fetcher) Fetch(ctx context.Context, repository string) (*pipeline.RepoContext, error) {
	repository = strings.TrimSpace(repository)
	if repository == "" {
		return &pipeline.RepoContext{
			Source:    pipeline.ContextSourceNone,
			Structure: "No GitHub repository provided",
		}, nil
	}

	src, kind, err := f.route(repository)
	rc := &pipeline.RepoContext{Repository: repository, Source: kind}
	if err != nil {
		rc.Source = pipeline.ContextSourceNone
		rc.Structure = "Failed to fetch repository: no " + kind + " source configured"
		return rc, err
	}

	entries, err := src.ListFiles(ctx, repository)
	if err != nil {
		rc.Structure = "Failed to fetch repository: " + err.Error()
		return rc, fmt.Errorf("list files: %w", err)
	}
	entries = f.filter(ctx, src, repository, entries)
	rc.Structure = Structure(entries, f.opts.MaxStructureEntries)

	var (
		errs     []error
		redacted int
	)
	for _, path := range SelectFiles(entries) {
		if len(rc.Files) >= f.opts.MaxFiles {
			break
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		file, err := src.GetFile(ctx, repository, path)
		if err != nil {
			logging.For(ctx, f.logger).Warn("could not fetch repository file",
				zap.String("repository", repository),
				zap.String("path", path),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("fetch %s: %w", path, err))
			continue
		}

		content := file.Content
		if f.opts.Redactor != nil {
			res := f.opts.Redactor.Redact(path, content)
			content = res.Content
			redacted += res.Report.Count()
		}
		rc.Files = append(rc.Files, pipeline.ContextFile{
			Path:    path,
			Content: truncateRunes(content, f.opts.MaxFileChars),
			Size:    file.Size,
		})
	}

	if redacted > 0 {
		logging.For(ctx, f.logger).Warn("redacted secrets from repository context",
			zap.String("repository", repository),
			zap.Int("secrets", redacted),
		)
	}
	logging.For(ctx, f.logger).Info("fetched repository context",
		zap.String("repository", repository),
		zap.String("source", kind),
		zap.Int("entries", len(entries)),
		zap.Int("files", len(rc.Files)),
	)
	return rc, errors.Join(errs...)
}

// filter drops excluded entries. The repository's ignore file is read only
// when the listing contains it; a read failure falls back to the configured
// patterns.
func (f *Fetcher) filter(ctx context.Context, src Source, repository string, entries []Entry) []Entry {
	patterns := f.opts.Exclude
	if slices.ContainsFunc(entries, func(e Entry) bool { return e.Path == ignore.FileName }) {
		file, err := src.GetFile(ctx, repository, ignore.FileName)
		if err != nil {
			logging.For(ctx, f.logger).Debug("could not read ignore file",
				zap.String("repository", repository),
				zap.Error(err),
			)
		} else {
			patterns = append(slices.Clone(patterns), ignore.Parse(file.Content)...)
		}
	}

	m := ignore.New(patterns...)
	kept := entries[:0:0]
	for _, e := range entries {
		if !m.Match(e.Path, e.Type == EntryDir) {
			kept = append(kept, e)
		}
	}
	if dropped := len(entries) - len(kept); dropped > 0 {
		logging.For(ctx, f.logger).Debug("excluded repository entries",
			zap.String("repository", repository),
			zap.Int("excluded", dropped),
		)
	}
	return kept
}

// SelectFiles returns the file paths worth reading: priority files in
// priority order, then source files under conventional source directories
// in listing order.
func SelectFiles(entries []Entry) []string {
	files := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Type == EntryFile {
			files[e.Path] = true
		}
	}

	var out []string
	for _, p := range priorityFiles {
		if files[p] {
			out = append(out, p)
		}
	}
	for _, e := range entries {
		if e.Type != EntryFile || slices.Contains(priorityFiles, e.Path) {
			continue
		}
		if isSourceFile(e.Path) {
			out = append(out, e.Path)
		}
	}
	return out
}

func isSourceFile(p string) bool {
	hasExt := slices.ContainsFunc(sourceExtensions, func(ext string) bool {
		return strings.HasSuffix(p, ext)
	})
	if !hasExt {
		return false
	}
	return slices.ContainsFunc(sourceDirs, func(dir string) bool {
		return strings.HasPrefix(p, dir) || strings.Contains(p, "/"+dir)
	})
}

// Structure renders the listing shown to the stages. Directories end in a
// slash. Listings longer than limit are cut with a count of what was left out.
func Structure(entries []Entry, limit int) string {
	var b strings.Builder
	b.WriteString("Repository Structure:")
	for i, e := range entries {
		if limit > 0 && i == limit {
			fmt.Fprintf(&b, "\n- ... (%d more)", len(entries)-limit)
			break
		}
		b.WriteString("\n- ")
		b.WriteString(e.Path)
		if e.Type == EntryDir {
			b.WriteByte('/')
		}
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
