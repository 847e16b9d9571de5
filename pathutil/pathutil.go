// Package pathutil provides path normalization and exclude-pattern matching,
// the leaf dependency of the engine (spec.md §2).
package pathutil

import (
	"path"
	"strings"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// ErrEscapesRoot is returned by Normalize when a path resolves outside its root.
var ErrEscapesRoot = errors.New("path escapes its root")

// Normalize converts rel to a POSIX-normalized, slash-separated relative
// path with no leading separator, rejecting any path that would escape its
// root after normalization (spec.md §3 invariant).
func Normalize(rel string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(rel, `\`, "/"))
	clean = strings.TrimPrefix(clean, "/")

	if clean == "." || clean == "" {
		return "", nil
	}

	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errors.Wrapf(ErrEscapesRoot, "%q", rel)
	}

	return clean, nil
}

// Matcher compiles a set of exclude patterns and answers whether a given
// relative path or basename matches any of them (spec.md §2: "glob-style,
// matched against both basename and relative path").
type Matcher struct {
	globs []glob.Glob
	raw   []string
}

// NewMatcher compiles patterns into a Matcher. The first pattern that does
// not compile makes NewMatcher return an error naming that pattern.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{raw: patterns}

	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid exclude pattern %q", p)
		}

		m.globs = append(m.globs, g)
	}

	return m, nil
}

// Match reports whether rel (a normalized relative path) or its basename
// matches any compiled exclude pattern.
func (m *Matcher) Match(rel string) bool {
	if m == nil || len(m.globs) == 0 {
		return false
	}

	base := path.Base(rel)

	for _, g := range m.globs {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}

	return false
}

// Patterns returns the raw patterns the Matcher was built from.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}

	return m.raw
}
