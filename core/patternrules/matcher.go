package patternrules

import (
	"fmt"
	"regexp"
	"sync"
)

// Match is a single matched span within a piece of text.
type Match struct {
	RuleID   string
	Category string
	Start    int // byte offset, inclusive
	End      int // byte offset, exclusive
	Text     string
}

// Matcher is the interface every matching strategy satisfies.
type Matcher interface {
	Match(content []byte, rule Rule) []Match
}

// RegexMatcher compiles and caches patterns, matching the teacher's
// pattern-cache discipline.
type RegexMatcher struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

// NewRegexMatcher returns a RegexMatcher with an initialized cache.
func NewRegexMatcher() *RegexMatcher {
	return &RegexMatcher{cache: make(map[string]*regexp.Regexp)}
}

func (m *RegexMatcher) compile(pattern string) (*regexp.Regexp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.cache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}
	m.cache[pattern] = re
	return re, nil
}

// Match returns every non-overlapping occurrence of rule.Pattern in content.
func (m *RegexMatcher) Match(content []byte, rule Rule) []Match {
	re, err := m.compile(rule.Pattern)
	if err != nil {
		return nil
	}
	locs := re.FindAllIndex(content, -1)
	out := make([]Match, 0, len(locs))
	for _, loc := range locs {
		out = append(out, Match{
			RuleID:   rule.ID,
			Category: rule.Category,
			Start:    loc[0],
			End:      loc[1],
			Text:     string(content[loc[0]:loc[1]]),
		})
	}
	return out
}

// Registry maps matcher type strings to implementations.
type Registry struct {
	matchers map[string]Matcher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{matchers: make(map[string]Matcher)}
}

// Register associates a matcher type string with an implementation.
func (r *Registry) Register(matcherType string, m Matcher) {
	r.matchers[matcherType] = m
}

// Get returns the Matcher for the given type, or nil.
func (r *Registry) Get(matcherType string) Matcher { return r.matchers[matcherType] }

// NewDefaultRegistry returns a registry with "regex" and "entropy" wired.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("regex", NewRegexMatcher())
	r.Register("entropy", &EntropyMatcher{})
	return r
}
