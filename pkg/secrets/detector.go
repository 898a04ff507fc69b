package secrets

import (
	"fmt"
	"regexp"
	"sync"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is a detected secret with its location.
type Finding struct {
	RuleID   string
	RuleDesc string
	Line     int
	StartCol int
	EndCol   int
	Match    string // the secret value; never logged
}

// Detector scans content with the default Gitleaks rules plus an
// allowlist. Building the rule set is expensive, so one Detector is shared;
// scans are serialized because the Gitleaks detector keeps per-scan state.
type Detector struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewDetector compiles the default rules and applies allowlist.
func NewDetector(allowlist *Allowlist) (*Detector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if !allowlist.Empty() {
		if err := applyAllowlist(&d.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &Detector{detector: d}, nil
}

// Detect scans content found at path. path feeds the allowlist path
// patterns and may be empty.
func (d *Detector) Detect(path, content string) []Finding {
	d.mu.Lock()
	found := d.detector.Detect(detect.Fragment{Raw: content, FilePath: path})
	d.mu.Unlock()

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		out = append(out, Finding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			StartCol: f.StartColumn,
			EndCol:   f.EndColumn,
			Match:    secret,
		})
	}
	return out
}

func applyAllowlist(cfg *gitleaksconfig.Config, allowlist *Allowlist) error {
	entry := &gitleaksconfig.Allowlist{Description: "pipelined allowlist"}

	for _, p := range allowlist.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		entry.Paths = append(entry.Paths, (*gitleaksregexp.Regexp)(re))
	}
	for _, p := range allowlist.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		entry.Regexes = append(entry.Regexes, (*gitleaksregexp.Regexp)(re))
	}

	cfg.Allowlists = append(cfg.Allowlists, entry)
	return nil
}
