// Package ignore decides which repository files are left out of a run's
// context. Patterns use gitignore syntax, negation included.
package ignore

import (
	"bufio"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// FileName is the per-repository ignore file read by the context fetcher.
const FileName = ".pipelinedignore"

// DefaultPatterns exclude vendored, generated and minified code.
var DefaultPatterns = []string{
	"vendor/",
	"node_modules/",
	"third_party/",
	"dist/",
	"build/",
	"__pycache__/",
	"*.min.js",
	"*.pb.go",
	"*_pb2.py",
	"*.generated.*",
}

// Matcher reports whether a repository path is excluded.
type Matcher struct {
	patterns []string
	m        gitignore.Matcher
}

// New builds a matcher from DefaultPatterns followed by extra. Later
// patterns win, so extra may re-include a default with "!".
func New(extra ...string) *Matcher {
	all := make([]string, 0, len(DefaultPatterns)+len(extra))
	all = append(all, DefaultPatterns...)
	all = append(all, extra...)
	return compile(all)
}

// Parse reads ignore file content into patterns, dropping blank lines and
// comments.
func Parse(content string) []string {
	var out []string
	seen := map[string]bool{}
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if line == "" || strings.HasPrefix(line, "#") || seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	return out
}

func compile(patterns []string) *Matcher {
	ps := make([]gitignore.Pattern, 0, len(patterns))
	for _, p := range patterns {
		ps = append(ps, gitignore.ParsePattern(p, nil))
	}
	return &Matcher{patterns: patterns, m: gitignore.NewMatcher(ps)}
}

// Patterns returns the patterns in evaluation order.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Match reports whether path, slash separated and relative to the
// repository root, is excluded. A file inside an excluded directory is
// excluded too.
func (m *Matcher) Match(path string, isDir bool) bool {
	if m == nil {
		return false
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if m.m.Match(parts[:i], true) {
			return true
		}
	}
	return m.m.Match(parts, isDir)
}
