package mailengine

import (
	"regexp"
	"strings"

	"github.com/scrubline/scrubline/core/patternrules"
)

// maxInboundChars bounds how much of an inbound message the classifier
// ever sees. Longer bodies are truncated and flagged.
const maxInboundChars = 4000

// maxDraftChars bounds a model-drafted reply. Longer drafts are rejected
// in post-processing regardless of what the prompt asked for.
const maxDraftChars = 1000

// injectionRules is the documented prompt-injection pattern set matched
// case-insensitively against every inbound message before any LLM call:
// role-lock phrases, system-tag markers, base64-heavy blocks, and
// script/URL-scheme injections. A match short-circuits classification to
// Suspicious without spending an LLM call.
func injectionRules() *patternrules.RuleSet {
	rs := patternrules.NewRuleSet()
	rs.Add(patternrules.Rule{ID: "inj-role-ignore", Category: "role_lock_phrase", MatcherType: "regex",
		Pattern: `(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`})
	rs.Add(patternrules.Rule{ID: "inj-role-assume", Category: "role_lock_phrase", MatcherType: "regex",
		Pattern: `(?i)you\s+are\s+(now\s+)?(a|an)\s+\w+\s+(assistant|agent|ai|model)`})
	rs.Add(patternrules.Rule{ID: "inj-role-disregard", Category: "role_lock_phrase", MatcherType: "regex",
		Pattern: `(?i)disregard\s+(all\s+)?(previous|prior|your)\s+\w+`})
	rs.Add(patternrules.Rule{ID: "inj-system-tag", Category: "system_tag_marker", MatcherType: "regex",
		Pattern: `(?i)(<\|?system\|?>|\[system\]|\{\{system\}\}|<\|im_start\|>)`})
	rs.Add(patternrules.Rule{ID: "inj-script", Category: "script_injection", MatcherType: "regex",
		Pattern: `(?i)(<script[\s>]|javascript:|data:text/html|vbscript:)`})
	rs.Add(patternrules.Rule{ID: "inj-base64", Category: "base64_heavy_block", MatcherType: "entropy",
		Pattern: `[A-Za-z0-9+/=]{80,}`})
	return rs
}

var injectionEngine = patternrules.NewEngine(injectionRules())

// PreprocessResult is the pre-LLM view of an inbound message.
type PreprocessResult struct {
	Text           string
	Truncated      bool
	RiskIndicators []string // non-empty means Suspicious, no LLM call
}

// Suspicious reports whether the pre-processor found injection indicators.
func (r PreprocessResult) Suspicious() bool { return len(r.RiskIndicators) > 0 }

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	htmlEntityRe = regexp.MustCompile(`&[a-zA-Z#0-9]+;`)
	multiSpaceRe = regexp.MustCompile(`[ \t]{2,}`)
)

// stripHTML reduces an HTML body to its visible text, roughly: tags out,
// common entities normalized, runs of whitespace collapsed.
func stripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(s)
	s = htmlEntityRe.ReplaceAllString(s, " ")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Preprocess prepares raw inbound content for classification: strips HTML,
// truncates to the inbound bound, and runs the injection pattern set. The
// injection scan runs over the raw message (so markers that stripping would
// remove, such as <|system|> or a javascript: href, are still seen) and over
// the full stripped text, not just the truncated portion, so an attacker
// cannot hide a payload past the cutoff.
func Preprocess(raw string) PreprocessResult {
	text := stripHTML(raw)

	var indicators []string
	seen := make(map[string]bool)
	for _, m := range append(injectionEngine.ScanString(raw), injectionEngine.ScanString(text)...) {
		if !seen[m.Category] {
			seen[m.Category] = true
			indicators = append(indicators, m.Category)
		}
	}

	truncated := false
	if len(text) > maxInboundChars {
		text = text[:maxInboundChars]
		truncated = true
	}

	return PreprocessResult{Text: text, Truncated: truncated, RiskIndicators: indicators}
}

// ClassifyOutput is the JSON shape the classification LLM call must return.
// Validation is programmatic and independent of the system prompt.
type ClassifyOutput struct {
	Classification string `json:"classification" validate:"required,oneof=confirmation clarifying_question rejection identity_verification_request excessive_pii_request suspicious unknown"`
	Confidence     float64 `json:"confidence" validate:"gte=0,lte=1"`
	Draft          string  `json:"draft,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}
