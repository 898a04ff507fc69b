package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidTOML is wrapped when an allowlist file cannot be decoded.
	ErrInvalidTOML = errors.New("invalid allowlist toml")
	// ErrInvalidRegex is wrapped when an allowlist pattern does not compile.
	ErrInvalidRegex = errors.New("invalid allowlist pattern")
)

// Allowlist holds path and content patterns exempt from detection.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// Empty reports whether the allowlist exempts nothing.
func (a *Allowlist) Empty() bool {
	return a == nil || (len(a.Paths) == 0 && len(a.Regexes) == 0)
}

// LoadAllowlists merges the repository's .gitleaks.toml (under projectDir)
// with a user allowlist file. Either may be empty or absent.
func LoadAllowlists(projectDir, userPath string) (*Allowlist, error) {
	merged := &Allowlist{}

	var files []string
	if projectDir != "" {
		files = append(files, filepath.Join(projectDir, ".gitleaks.toml"))
	}
	if userPath != "" {
		files = append(files, userPath)
	}

	for _, path := range files {
		al, err := loadTOML(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		merged.Paths = append(merged.Paths, al.Paths...)
		merged.Regexes = append(merged.Regexes, al.Regexes...)
	}
	return merged, nil
}

// ParseAllowlist reads allowlist TOML from data. name labels errors.
func ParseAllowlist(name string, data []byte) (*Allowlist, error) {
	var doc allowlistFile
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, name, err)
	}
	return doc.validate(name)
}

type allowlistFile struct {
	Allowlist struct {
		Paths   []string
		Regexes []string
	}
}

func (doc *allowlistFile) validate(name string) (*Allowlist, error) {
	for _, p := range doc.Allowlist.Paths {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: path pattern %q in %s: %v", ErrInvalidRegex, p, name, err)
		}
	}
	for _, p := range doc.Allowlist.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: content pattern %q in %s: %v", ErrInvalidRegex, p, name, err)
		}
	}
	return &Allowlist{Paths: doc.Allowlist.Paths, Regexes: doc.Allowlist.Regexes}, nil
}

func loadTOML(path string) (*Allowlist, error) {
	var doc allowlistFile
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	return doc.validate(path)
}
