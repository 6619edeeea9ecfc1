package rules

import (
	"path"
	"path/filepath"
	"strings"
)

// Matcher decides which paths below a rule root stay workspace-only.
// Patterns are passed in explicitly; there is no process-wide list.
type Matcher struct {
	patterns  []string
	predicate func(rel string) bool
}

// MatcherOption customizes a Matcher.
type MatcherOption func(*Matcher)

// WithPredicate adds an extra exclusion check, e.g. one backed by an
// ignore file. It receives slash-separated paths relative to the rule root.
func WithPredicate(fn func(rel string) bool) MatcherOption {
	return func(m *Matcher) { m.predicate = fn }
}

// NewMatcher creates a matcher for the given exclusion patterns.
func NewMatcher(patterns []string, opts ...MatcherOption) *Matcher {
	m := &Matcher{patterns: append([]string(nil), patterns...)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Patterns returns a copy of the configured patterns.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// IsExcluded reports whether rel (relative to the rule root) matches any of
// patterns. See Matcher.Excluded.
func IsExcluded(rel string, patterns []string) bool {
	return NewMatcher(patterns).Excluded(rel)
}

// Excluded reports whether rel belongs to a local rule. A path is local when
// the name of its top-level entry matches a pattern, when the full path
// matches a pattern, or when the extra predicate says so.
func (m *Matcher) Excluded(rel string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." || rel == "" {
		return false
	}
	return m.excluded(rel, EntryName(rel))
}

// ExcludedDir is Excluded for a top-level directory entry, whose name keeps
// any dots it contains.
func (m *Matcher) ExcludedDir(name string) bool {
	return m.excluded(filepath.ToSlash(name), name)
}

func (m *Matcher) excluded(rel, name string) bool {
	if m.MatchesName(name) {
		return true
	}
	for _, p := range m.patterns {
		if matchPath(rel, p) {
			return true
		}
	}
	return m.predicate != nil && m.predicate(rel)
}

// MatchesName reports whether a rule entry name matches any pattern.
func (m *Matcher) MatchesName(name string) bool {
	for _, p := range m.patterns {
		if p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// EntryName returns the rule entry name a relative path belongs to: the
// top-level directory for nested paths, or the file name without extension
// for files directly below the root.
func EntryName(rel string) string {
	rel = filepath.ToSlash(rel)
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		return rel[:i]
	}
	return strings.TrimSuffix(rel, path.Ext(rel))
}

// matchPath applies directory ("dir/") and recursive ("**") patterns to a
// slash-separated path.
func matchPath(rel, pattern string) bool {
	if strings.HasSuffix(pattern, "/") {
		dir := strings.TrimSuffix(pattern, "/")
		return rel == dir || strings.HasPrefix(rel, dir+"/")
	}

	if strings.Contains(pattern, "**") {
		parts := strings.Split(pattern, "**")
		if len(parts) != 2 || !strings.HasPrefix(rel, parts[0]) {
			return false
		}
		suffix := strings.TrimPrefix(parts[1], "/")
		if suffix == "" {
			return true
		}
		// the suffix may match any trailing run of segments
		rest := rel[len(parts[0]):]
		for {
			if ok, err := path.Match(suffix, rest); err == nil && ok {
				return true
			}
			i := strings.IndexByte(rest, '/')
			if i < 0 {
				return false
			}
			rest = rest[i+1:]
		}
	}

	ok, err := path.Match(pattern, rel)
	return err == nil && ok
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
