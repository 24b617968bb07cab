package patternrules

// Engine ties a RuleSet and a Registry together to scan text and produce
// matches.
type Engine struct {
	rules    *RuleSet
	matchers *Registry
}

// NewEngine creates an Engine with the given rules and the default matcher
// registry.
func NewEngine(rules *RuleSet) *Engine {
	return &Engine{rules: rules, matchers: NewDefaultRegistry()}
}

// Rules returns the engine's RuleSet.
func (e *Engine) Rules() *RuleSet { return e.rules }

// Scan runs every rule against content and returns all matches, in rule
// order then match order. Unrecognized matcher types are skipped silently
// rather than treated as fatal, since a single bad rule should never stop
// the rest of the rule set from running.
func (e *Engine) Scan(content []byte) []Match {
	var out []Match
	for _, rule := range e.rules.Rules() {
		matcher := e.matchers.Get(rule.MatcherType)
		if matcher == nil {
			continue
		}
		out = append(out, matcher.Match(content, rule)...)
	}
	return out
}

// ScanString is a convenience wrapper over Scan for string inputs.
func (e *Engine) ScanString(content string) []Match {
	return e.Scan([]byte(content))
}
