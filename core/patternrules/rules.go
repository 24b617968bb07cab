// Package patternrules implements a declarative regex/entropy rule engine
// shared by PII detection (core/llmrouter) and prompt-injection detection
// (core/mailengine). Both consumers want byte-range spans, not findings, so
// this is a stripped generalization of a SARIF-oriented scanner rule engine
// down to its matching core.
package patternrules

// Rule is a single declarative pattern. Category is opaque to the engine —
// callers define their own category vocabulary (PII categories, or
// prompt-injection indicator names).
type Rule struct {
	ID          string
	Category    string
	MatcherType string // "regex" or "entropy"
	Pattern     string
	Metadata    map[string]string
}

// RuleSet is an ordered collection of rules with fast lookup by ID.
type RuleSet struct {
	rules []Rule
	byID  map[string]int
}

// NewRuleSet returns an initialized, empty RuleSet.
func NewRuleSet() *RuleSet {
	return &RuleSet{byID: make(map[string]int)}
}

// Add appends a rule to the set.
func (rs *RuleSet) Add(r Rule) {
	rs.byID[r.ID] = len(rs.rules)
	rs.rules = append(rs.rules, r)
}

// Rules returns all rules in insertion order.
func (rs *RuleSet) Rules() []Rule { return rs.rules }

// ByID looks up a rule by its unique identifier.
func (rs *RuleSet) ByID(id string) (Rule, bool) {
	idx, ok := rs.byID[id]
	if !ok {
		return Rule{}, false
	}
	return rs.rules[idx], true
}
