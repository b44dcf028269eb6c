package download

import (
	"path"
	"strings"
)

// Matcher decides which listed files the download command ignores
type Matcher struct {
	patterns []string
}

// DefaultPatterns are names that are never worth fetching: OS metadata,
// Office lock files and unfinished transfers
func DefaultPatterns() []string {
	return []string{
		".DS_Store",
		"._*",
		"Thumbs.db",
		"desktop.ini",
		"~$*",
		"*.tmp",
		"*" + partialSuffix,
	}
}

// NewMatcher merges patterns into the defaults. Blank patterns are ignored.
func NewMatcher(patterns []string) *Matcher {
	merged := append([]string{}, DefaultPatterns()...)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		merged = append(merged, p)
	}
	return &Matcher{patterns: merged}
}

// IsExcluded reports whether name matches a pattern. Patterns with glob
// characters use path.Match; others must equal the name exactly.
func (m *Matcher) IsExcluded(name string) bool {
	if m == nil {
		return false
	}
	name = path.Base(name)
	for _, p := range m.patterns {
		if strings.ContainsAny(p, "*?[]") {
			if ok, _ := path.Match(p, name); ok {
				return true
			}
			continue
		}
		if name == p {
			return true
		}
	}
	return false
}
