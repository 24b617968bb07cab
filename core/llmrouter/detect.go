package llmrouter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/scrubline/scrubline/core/patternrules"
)

// Span is a detected PII occurrence within a piece of text.
type Span struct {
	Category string
	Start    int
	End      int
	Text     string
}

// NormalizeSpans sorts spans by start offset and drops any span contained
// within, or overlapping, an earlier kept one, so Filter.Apply never double-rewrites
// overlapping matches (e.g. an email regex and a generic high-entropy
// match both firing on the same substring).
func NormalizeSpans(spans []Span) []Span {
	if len(spans) == 0 {
		return spans
	}
	sorted := make([]Span, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})

	out := sorted[:0:0]
	lastEnd := -1
	for _, s := range sorted {
		if s.Start < lastEnd {
			continue // contained in (or overlapping) the previous, wider span
		}
		out = append(out, s)
		lastEnd = s.End
	}
	return out
}

// piiRules is the declarative rule set backing category detection: exact
// validated formats (email, phone, SSN, postal code, card number
// candidates), all regex rules; no entropy rule is included. Grounded on
// core/patternrules, itself adapted from the teacher's core/rules engine.
func piiRules() *patternrules.RuleSet {
	rs := patternrules.NewRuleSet()
	rs.Add(patternrules.Rule{ID: "pii-email", Category: "email", MatcherType: "regex",
		Pattern: `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`})
	rs.Add(patternrules.Rule{ID: "pii-phone", Category: "phone", MatcherType: "regex",
		Pattern: `\+?1?[\s.\-]?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}`})
	rs.Add(patternrules.Rule{ID: "pii-ssn", Category: "ssn", MatcherType: "regex",
		Pattern: `\b\d{3}-\d{2}-\d{4}\b`})
	rs.Add(patternrules.Rule{ID: "pii-postal", Category: "postal_code", MatcherType: "regex",
		Pattern: `\b\d{5}(-\d{4})?\b`})
	rs.Add(patternrules.Rule{ID: "pii-card", Category: "card_candidate", MatcherType: "regex",
		Pattern: `\b(?:\d[ -]*?){13,19}\b`})
	return rs
}

var piiEngine = patternrules.NewEngine(piiRules())

// ProfileFields is the narrow view of a Profile's plaintext PII the
// Detector needs for exact matching. Callers assemble this from a
// vault.ScopedPlaintext view within its scope; the Detector never retains
// it past a single Detect call.
type ProfileFields struct {
	Names     []string
	Addresses []string
	Emails    []string
	Phones    []string
}

// Detector finds PII spans in text: validated-format regex matches plus
// exact matches against the unlocked profile's field set. False positives
// are preferable to false negatives (spec.md §4.4 item 3): an ambiguous
// card-candidate span is only kept if it also passes the Luhn check, but
// every regex category match is kept even without corroborating context.
type Detector struct {
	hmacKey []byte // used only for HashOnly-level comparisons, never logged
}

// NewDetector creates a Detector. hmacKey, if non-nil, is used to compute
// keyed digests for HashOnly-level profile matching so a caller can check
// "does this text contain a value equal to one of the profile's fields"
// without ever handling the plaintext field itself.
func NewDetector(hmacKey []byte) *Detector {
	return &Detector{hmacKey: hmacKey}
}

// Detect returns every PII span found in text: regex-category matches
// (card candidates filtered by Luhn) plus exact matches against fields.
func (d *Detector) Detect(text string, fields ProfileFields) []Span {
	var spans []Span

	for _, m := range piiEngine.ScanString(text) {
		if m.Category == "card_candidate" {
			if !luhnValid(m.Text) {
				continue
			}
			spans = append(spans, Span{Category: "card", Start: m.Start, End: m.End, Text: m.Text})
			continue
		}
		spans = append(spans, Span{Category: m.Category, Start: m.Start, End: m.End, Text: m.Text})
	}

	spans = append(spans, exactMatches(text, "name", fields.Names)...)
	spans = append(spans, exactMatches(text, "address", fields.Addresses)...)
	spans = append(spans, exactMatches(text, "email", fields.Emails)...)
	spans = append(spans, exactMatches(text, "phone", fields.Phones)...)

	return spans
}

func exactMatches(text, category string, values []string) []Span {
	var out []Span
	for _, v := range values {
		if v == "" {
			continue
		}
		start := 0
		for {
			idx := strings.Index(text[start:], v)
			if idx < 0 {
				break
			}
			abs := start + idx
			out = append(out, Span{Category: category, Start: abs, End: abs + len(v), Text: v})
			start = abs + len(v)
		}
	}
	return out
}

// HashMatches reports, for a HashOnly-level grant, whether value's keyed
// HMAC digest equals any of knownDigests — enabling equality checks
// without ever exposing plaintext, per spec.md §4.2 PIIAccessLevel.
func (d *Detector) HashMatches(value string, knownDigests []string) bool {
	digest := d.Digest(value)
	for _, kd := range knownDigests {
		if hmac.Equal([]byte(digest), []byte(kd)) {
			return true
		}
	}
	return false
}

// Digest returns the hex-encoded keyed HMAC-SHA256 of value.
func (d *Detector) Digest(value string) string {
	mac := hmac.New(sha256.New, d.hmacKey)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

var digitsOnly = regexp.MustCompile(`\d`)

// luhnValid runs the Luhn checksum over the digits in s, used to separate
// genuine payment-card-shaped spans from incidental long-digit runs (order
// numbers, phone numbers already categorized elsewhere).
func luhnValid(s string) bool {
	digits := digitsOnly.FindAllString(s, -1)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i][0] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}
