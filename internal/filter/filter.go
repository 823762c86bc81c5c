// Package filter narrows the events a handler sees using glob patterns on
// the event name.
package filter

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"

	"github.com/tripwire/dirwatch/internal/watcher"
)

// pattern is one compiled glob. Patterns without a '/' are also tried
// against the base name, so "*.tmp" matches "a/b/c.tmp".
type pattern struct {
	g        glob.Glob
	baseOnly bool
}

func (p pattern) match(name string) bool {
	if p.g.Match(name) {
		return true
	}
	return p.baseOnly && p.g.Match(path.Base(name))
}

// Matcher decides which event names are reported.
type Matcher struct {
	include []pattern
	ignore  []pattern
}

// New compiles the include and ignore patterns. Blank lines and lines
// starting with '#' are skipped. '/' is the separator, so '*' does not
// cross directories and '**' does.
func New(include, ignore []string) (*Matcher, error) {
	inc, err := compile("include", include)
	if err != nil {
		return nil, err
	}
	ign, err := compile("ignore", ignore)
	if err != nil {
		return nil, err
	}
	return &Matcher{include: inc, ignore: ign}, nil
}

func compile(kind string, patterns []string) ([]pattern, error) {
	out := make([]pattern, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("filter: %s pattern %q: %w", kind, p, err)
		}
		out = append(out, pattern{g: g, baseOnly: !strings.Contains(p, "/")})
	}
	return out, nil
}

// Match reports whether name passes the filter: it matches no ignore
// pattern and, when include patterns exist, at least one of them.
func (m *Matcher) Match(name string) bool {
	for _, p := range m.ignore {
		if p.match(name) {
			return false
		}
	}
	if len(m.include) == 0 {
		return true
	}
	for _, p := range m.include {
		if p.match(name) {
			return true
		}
	}
	return false
}

// Empty reports whether the matcher accepts every name.
func (m *Matcher) Empty() bool {
	return len(m.include) == 0 && len(m.ignore) == 0
}

// Wrap returns a handler that forwards only events whose name matches.
func (m *Matcher) Wrap(next watcher.Handler) watcher.Handler {
	if m.Empty() {
		return next
	}
	return func(ev watcher.ChangeEvent) {
		if m.Match(ev.Name) {
			next(ev)
		}
	}
}
