package llmrouter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/scrubline/scrubline/core/apperr"
)

// FilterStrategy is the PII-handling strategy applied before a prompt
// crosses to a non-local provider (spec.md §4.4).
type FilterStrategy string

const (
	// StrategyRedact replaces each detected span with a category
	// placeholder. Irreversible.
	StrategyRedact FilterStrategy = "redact"
	// StrategyTokenize replaces each span with a reversible token drawn
	// from a per-request bijection, restored after the model responds.
	StrategyTokenize FilterStrategy = "tokenize"
	// StrategyBlock refuses the call outright if any PII is detected.
	StrategyBlock FilterStrategy = "block"
)

// placeholderFor returns the category placeholder used by Redact, e.g.
// "[REDACTED_EMAIL]". Adapted from plugin/redaction.go's fixed
// "[REDACTED]" marker, generalized to carry the detected category the way
// spec.md §4.4 requires ("[REDACTED_EMAIL]", …).
func placeholderFor(category string) string {
	return "[REDACTED_" + strings.ToUpper(category) + "]"
}

// TokenMap is the per-request reversible bijection a Tokenize pass
// produces. It is held in memory only and must be cleared (via Clear)
// before the function that created it returns, per spec.md §4.4 item 2.
type TokenMap struct {
	mu          sync.Mutex
	tokenToPlain map[string]string
	seq         int
}

func newTokenMap() *TokenMap {
	return &TokenMap{tokenToPlain: make(map[string]string)}
}

func (tm *TokenMap) tokenFor(category, plaintext string) string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.seq++
	token := fmt.Sprintf("TOK_%s_%03d", strings.ToUpper(category), tm.seq)
	tm.tokenToPlain[token] = plaintext
	return token
}

// Detokenize replaces every token in s with its original plaintext. Tokens
// that don't appear in the map are left untouched.
func (tm *TokenMap) Detokenize(s string) string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	out := s
	for token, plain := range tm.tokenToPlain {
		out = strings.ReplaceAll(out, token, plain)
	}
	return out
}

// OriginalSpans returns every plaintext span this map tokenized, used by
// the output PII-leak validator to confirm a restored span was present in
// the originally sanctioned request.
func (tm *TokenMap) OriginalSpans() []string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	out := make([]string, 0, len(tm.tokenToPlain))
	for _, plain := range tm.tokenToPlain {
		out = append(out, plain)
	}
	return out
}

// Clear overwrites and empties the bijection. Called once the function
// that produced it is done with the response, per the "mapping is cleared
// before the function returns" requirement.
func (tm *TokenMap) Clear() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for k := range tm.tokenToPlain {
		delete(tm.tokenToPlain, k)
	}
}

// FilterResult is the outcome of applying a strategy to a prompt.
type FilterResult struct {
	Text   string
	Tokens *TokenMap // non-nil only for StrategyTokenize
}

// Filter applies a FilterStrategy over text given the spans a Detector
// found. It never runs a BestAvailable/non-local completion without first
// being invoked when RequiresFilter(task) is true (enforced by Router).
type Filter struct{}

// NewFilter returns a Filter. It holds no state — a strategy and a span
// set are sufficient for every call.
func NewFilter() *Filter { return &Filter{} }

// Apply runs strategy over text using spans (pre-sorted by Start is not
// required; Apply sorts internally by handling overlaps via detect.go's
// NormalizeSpans).
func (f *Filter) Apply(strategy FilterStrategy, text string, spans []Span) (FilterResult, error) {
	spans = NormalizeSpans(spans)

	switch strategy {
	case StrategyBlock:
		if len(spans) > 0 {
			return FilterResult{}, apperr.New(apperr.KindPolicyViolation, "PII detected; blocked by policy").
				WithField("span_count", fmt.Sprintf("%d", len(spans)))
		}
		return FilterResult{Text: text}, nil

	case StrategyTokenize:
		tm := newTokenMap()
		out := rewriteSpans(text, spans, func(category, plaintext string) string {
			return tm.tokenFor(category, plaintext)
		})
		return FilterResult{Text: out, Tokens: tm}, nil

	case StrategyRedact:
		fallthrough
	default:
		out := rewriteSpans(text, spans, func(category, _ string) string {
			return placeholderFor(category)
		})
		return FilterResult{Text: out}, nil
	}
}

// rewriteSpans replaces every span in text (in reverse byte order so
// earlier offsets stay valid) with replace(category, originalText).
func rewriteSpans(text string, spans []Span, replace func(category, plaintext string) string) string {
	b := []byte(text)
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		repl := replace(s.Category, s.Text)
		b = append(b[:s.Start], append([]byte(repl), b[s.End:]...)...)
	}
	return string(b)
}
