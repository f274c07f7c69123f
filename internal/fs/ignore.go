package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ignoreRule is one parsed line of an ignore list.
//
//	*.tmp        any file or directory named *.tmp, at any depth
//	build/       directories only
//	/cache       anchored to the root being walked
//	docs/*.pdf   patterns containing '/' are anchored too
//	**/vendor    '**' spans any number of directories
//	!keep.tmp    re-includes what an earlier rule excluded
//
// When several rules match, the last one decides.
type ignoreRule struct {
	segments []string // pattern split on '/'
	anchored bool
	dirOnly  bool
	negate   bool
}

// IgnoreMatcher checks relative paths against an ordered list of rules.
type IgnoreMatcher struct {
	rules []ignoreRule
}

// NewIgnoreMatcher parses raw patterns. Blank lines and lines starting with
// '#' are skipped, as are patterns filepath.Match would reject.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, raw := range rawPatterns {
		if r, ok := parseIgnoreRule(raw); ok {
			m.rules = append(m.rules, r)
		}
	}
	return m
}

func parseIgnoreRule(raw string) (ignoreRule, bool) {
	p := strings.TrimSpace(raw)
	if p == "" || strings.HasPrefix(p, "#") {
		return ignoreRule{}, false
	}

	var r ignoreRule
	if strings.HasPrefix(p, "!") {
		r.negate = true
		p = p[1:]
	}
	if strings.HasSuffix(p, "/") {
		r.dirOnly = true
		p = strings.TrimRight(p, "/")
	}
	if strings.Contains(p, "/") {
		r.anchored = true
		p = strings.TrimPrefix(p, "/")
	}
	if p == "" {
		return ignoreRule{}, false
	}

	r.segments = strings.Split(p, "/")
	for _, seg := range r.segments {
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, seg); err != nil {
			return ignoreRule{}, false
		}
	}
	return r, true
}

// Match reports whether relativePath should be skipped. isDir selects
// whether directory-only rules apply.
func (m *IgnoreMatcher) Match(relativePath string, isDir bool) bool {
	parts := strings.Split(filepath.ToSlash(relativePath), "/")

	ignored := false
	for _, r := range m.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if r.matches(parts) {
			ignored = !r.negate
		}
	}
	return ignored
}

func (r ignoreRule) matches(parts []string) bool {
	if !r.anchored {
		// Unanchored rules have a single segment and test the basename.
		ok, _ := path.Match(r.segments[0], parts[len(parts)-1])
		return ok
	}
	return matchSegments(r.segments, parts)
}

// matchSegments matches pattern segments against path segments, letting
// "**" consume zero or more path segments.
func matchSegments(pattern, parts []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			for i := 0; i <= len(parts); i++ {
				if matchSegments(pattern[1:], parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		if ok, _ := path.Match(pattern[0], parts[0]); !ok {
			return false
		}
		pattern, parts = pattern[1:], parts[1:]
	}
	return len(parts) == 0
}

// ParseIgnoreFile reads an ignore file and returns its lines. A missing
// file yields no patterns.
func ParseIgnoreFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
