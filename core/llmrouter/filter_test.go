package llmrouter

import (
	"strings"
	"testing"
)

func TestFilter_Redact_ReplacesWithCategoryPlaceholder(t *testing.T) {
	f := NewFilter()
	text := "contact jane@example.com for details"
	spans := []Span{{Category: "email", Start: strings.Index(text, "jane@example.com"), End: strings.Index(text, "jane@example.com") + len("jane@example.com"), Text: "jane@example.com"}}

	result, err := f.Apply(StrategyRedact, text, spans)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Text, "[REDACTED_EMAIL]") {
		t.Fatalf("expected a redacted placeholder, got %q", result.Text)
	}
	if strings.Contains(result.Text, "jane@example.com") {
		t.Fatalf("plaintext must not survive redaction, got %q", result.Text)
	}
	if result.Tokens != nil {
		t.Fatal("redact must not produce a token map")
	}
}

func TestFilter_Tokenize_IsReversible(t *testing.T) {
	f := NewFilter()
	text := "call 555-123-4567 tomorrow"
	spans := []Span{{Category: "phone", Start: strings.Index(text, "555-123-4567"), End: strings.Index(text, "555-123-4567") + len("555-123-4567"), Text: "555-123-4567"}}

	result, err := f.Apply(StrategyTokenize, text, spans)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(result.Text, "555-123-4567") {
		t.Fatalf("plaintext must not survive tokenization, got %q", result.Text)
	}
	restored := result.Tokens.Detokenize(result.Text)
	if restored != text {
		t.Fatalf("expected detokenize to restore the original text, got %q", restored)
	}
}

func TestFilter_Block_ErrorsWhenPIIPresent(t *testing.T) {
	f := NewFilter()
	spans := []Span{{Category: "ssn", Start: 0, End: 11, Text: "123-45-6789"}}

	_, err := f.Apply(StrategyBlock, "123-45-6789", spans)
	if err == nil {
		t.Fatal("expected StrategyBlock to error when PII is present")
	}
}

func TestFilter_Block_PassesThroughWhenClean(t *testing.T) {
	f := NewFilter()
	result, err := f.Apply(StrategyBlock, "no personal data here", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "no personal data here" {
		t.Fatalf("expected text to pass through unchanged, got %q", result.Text)
	}
}

func TestTokenMap_ClearEmptiesTheBijection(t *testing.T) {
	tm := newTokenMap()
	token := tm.tokenFor("email", "jane@example.com")
	tm.Clear()
	if got := tm.Detokenize(token); got != token {
		t.Fatalf("expected a cleared map to leave the token unresolved, got %q", got)
	}
}

func TestNormalizeSpans_DropsOverlapping(t *testing.T) {
	spans := []Span{
		{Category: "card_candidate", Start: 0, End: 20, Text: "4111111111111111111"},
		{Category: "postal_code", Start: 5, End: 10, Text: "11111"},
	}
	out := NormalizeSpans(spans)
	if len(out) != 1 {
		t.Fatalf("expected the contained span to be dropped, got %d spans", len(out))
	}
}
