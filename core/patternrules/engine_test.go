package patternrules

import (
	"testing"
)

func TestEngine_RegexMatches(t *testing.T) {
	t.Parallel()

	rs := NewRuleSet()
	rs.Add(Rule{ID: "r1", Category: "email", MatcherType: "regex",
		Pattern: `[a-z0-9._]+@[a-z0-9.]+\.[a-z]{2,}`})
	e := NewEngine(rs)

	matches := e.ScanString("contact me at jane@example.org or bob@test.net today")
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Text != "jane@example.org" || matches[0].Category != "email" {
		t.Errorf("first match = %+v", matches[0])
	}
	if matches[1].Start <= matches[0].End {
		t.Error("matches must carry correct, ordered offsets")
	}
}

func TestEngine_SkipsUnknownMatcherType(t *testing.T) {
	t.Parallel()

	rs := NewRuleSet()
	rs.Add(Rule{ID: "bad", Category: "x", MatcherType: "quantum", Pattern: "y"})
	rs.Add(Rule{ID: "good", Category: "word", MatcherType: "regex", Pattern: `hello`})
	e := NewEngine(rs)

	matches := e.ScanString("hello world")
	if len(matches) != 1 || matches[0].RuleID != "good" {
		t.Fatalf("one bad rule must not stop the rest: %+v", matches)
	}
}

func TestRuleSet_ByID(t *testing.T) {
	t.Parallel()

	rs := NewRuleSet()
	rs.Add(Rule{ID: "a", Category: "c", MatcherType: "regex", Pattern: "x"})
	if _, ok := rs.ByID("a"); !ok {
		t.Error("ByID must find an added rule")
	}
	if _, ok := rs.ByID("missing"); ok {
		t.Error("ByID must miss an absent rule")
	}
}

func TestEntropyMatcher_FlagsHighEntropyBase64(t *testing.T) {
	t.Parallel()

	rs := NewRuleSet()
	rs.Add(Rule{ID: "ent", Category: "opaque_block", MatcherType: "entropy", Pattern: ""})
	e := NewEngine(rs)

	// A high-entropy base64-looking block versus plain prose.
	noisy := "prefix eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9kQ7wXz3vRb8NfYc2mLp5 suffix"
	if got := e.ScanString(noisy); len(got) == 0 {
		t.Error("high-entropy block not flagged")
	}

	prose := "this is an ordinary sentence with ordinary words in it"
	if got := e.ScanString(prose); len(got) != 0 {
		t.Errorf("prose flagged as high entropy: %+v", got)
	}
}

// A high-entropy path segment inside a URL is a URL component, not a
// secret: the matcher suppresses it.
func TestEntropyMatcher_SuppressesURLComponents(t *testing.T) {
	t.Parallel()

	rs := NewRuleSet()
	rs.Add(Rule{ID: "ent", Category: "opaque_block", MatcherType: "entropy", Pattern: ""})
	e := NewEngine(rs)

	url := "download it from https://cdn.example.com/eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9kQ7wXz3vRb8NfYc2mLp5 please"
	if got := e.ScanString(url); len(got) != 0 {
		t.Errorf("URL path segment flagged as high entropy: %+v", got)
	}

	// The same blob outside a URL is still caught.
	bare := "the payload was eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9kQ7wXz3vRb8NfYc2mLp5 please review"
	if got := e.ScanString(bare); len(got) == 0 {
		t.Error("bare high-entropy blob must still be flagged")
	}
}

func TestShannonEntropy(t *testing.T) {
	t.Parallel()

	if got := ShannonEntropy("aaaaaaaa"); got != 0 {
		t.Errorf("uniform string entropy = %f, want 0", got)
	}
	low := ShannonEntropy("abababab")
	high := ShannonEntropy("aB3$kQ9!xZ7@mW1#")
	if low >= high {
		t.Errorf("entropy ordering wrong: low=%f high=%f", low, high)
	}
}
