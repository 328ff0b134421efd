package crawler

import "strings"

// IncludeAll is the default filter; it accepts every record.
var IncludeAll Filter = FilterFunc(func(RawRecord) bool { return true })

// FilterFunc adapts a plain function to the Filter interface.
type FilterFunc func(record RawRecord) bool

// Include calls f.
func (f FilterFunc) Include(record RawRecord) bool { return f(record) }

// PrefixMatcher reports whether a package ID starts with one of a set of
// reserved prefixes.
type PrefixMatcher struct {
	prefixes   []string
	ignoreCase bool
}

// NewPrefixMatcher builds a matcher. Blank prefixes are dropped.
func NewPrefixMatcher(prefixes []string, ignoreCase bool) PrefixMatcher {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if ignoreCase {
			p = strings.ToLower(p)
		}
		out = append(out, p)
	}
	return PrefixMatcher{prefixes: out, ignoreCase: ignoreCase}
}

// Empty reports whether the matcher has no prefixes.
func (m PrefixMatcher) Empty() bool { return len(m.prefixes) == 0 }

// Match reports whether id starts with any configured prefix.
func (m PrefixMatcher) Match(id string) bool {
	id = strings.TrimSpace(id)
	if m.ignoreCase {
		id = strings.ToLower(id)
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

// PrefixExclusion rejects records whose ID starts with a reserved prefix.
type PrefixExclusion struct {
	matcher PrefixMatcher
}

// NewPrefixExclusion returns a filter excluding the given vendor prefixes.
func NewPrefixExclusion(prefixes []string, ignoreCase bool) *PrefixExclusion {
	return &PrefixExclusion{matcher: NewPrefixMatcher(prefixes, ignoreCase)}
}

// Include returns false for reserved IDs.
func (f *PrefixExclusion) Include(record RawRecord) bool {
	return !f.matcher.Match(record.ID)
}
