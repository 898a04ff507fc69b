// Package secrets masks credentials in repository content before it is
// placed in a prompt or returned to a client. Detection uses the Gitleaks
// default rules plus optional allowlists.
package secrets

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// previewLen is how much of a secret a marker or report may show.
const previewLen = 4

// Options configures a Redactor.
type Options struct {
	ProjectDir    string // directory holding .gitleaks.toml
	AllowlistPath string // user allowlist TOML
}

// Masked describes one secret that was replaced. It never holds more of the
// value than Preview.
type Masked struct {
	Rule    string `json:"rule"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Length  int    `json:"length"`
	Preview string `json:"preview"`
}

// Report lists what one Redact call masked.
type Report struct {
	Path   string         `json:"path,omitempty"`
	Masked []Masked       `json:"masked"`
	ByRule map[string]int `json:"by_rule"`
	Took   time.Duration  `json:"took_ns"`
}

// Count returns the number of secrets masked.
func (r Report) Count() int { return len(r.Masked) }

// String renders the report as JSON for logs.
func (r Report) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Result is redacted content with its report.
type Result struct {
	Content string
	Report  Report
}

// Redactor replaces secrets with [REDACTED:<rule>:<preview>] markers. It is
// safe for concurrent use.
type Redactor struct {
	detector *Detector
}

// NewRedactor loads the allowlists named in opts and builds the rule set.
func NewRedactor(opts Options) (*Redactor, error) {
	allow, err := LoadAllowlists(opts.ProjectDir, opts.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlists: %w", err)
	}
	d, err := NewDetector(allow)
	if err != nil {
		return nil, err
	}
	return &Redactor{detector: d}, nil
}

// Redact masks every secret found in content. path feeds the allowlist
// path patterns and is recorded in the report.
func (r *Redactor) Redact(path, content string) Result {
	began := time.Now()
	findings := r.detector.Detect(path, content)

	rep := Report{Path: path, Masked: make([]Masked, 0, len(findings)), ByRule: map[string]int{}}
	for _, f := range findings {
		rep.Masked = append(rep.Masked, Masked{
			Rule:    f.RuleID,
			Line:    f.Line,
			Column:  f.StartCol,
			Length:  len(f.Match),
			Preview: preview(f.Match),
		})
		rep.ByRule[f.RuleID]++
	}
	rep.Took = time.Since(began)
	return Result{Content: replaceFindings(content, findings), Report: rep}
}

// replaceFindings masks every occurrence of each secret, longest first so a
// secret containing another is masked whole.
func replaceFindings(content string, findings []Finding) string {
	if len(findings) == 0 {
		return content
	}
	byLen := slices.Clone(findings)
	slices.SortStableFunc(byLen, func(a, b Finding) int { return cmp.Compare(len(b.Match), len(a.Match)) })

	pairs := make([]string, 0, 2*len(byLen))
	for _, f := range byLen {
		if f.Match != "" {
			pairs = append(pairs, f.Match, "[REDACTED:"+f.RuleID+":"+preview(f.Match)+"]")
		}
	}
	return strings.NewReplacer(pairs...).Replace(content)
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen]
}
