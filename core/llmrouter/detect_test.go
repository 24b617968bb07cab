package llmrouter

import "testing"

func TestDetector_Detect_FindsEmailAndPhone(t *testing.T) {
	d := NewDetector(nil)
	spans := d.Detect("reach jane@example.com or 555-123-4567", ProfileFields{})

	var gotEmail, gotPhone bool
	for _, s := range spans {
		if s.Category == "email" && s.Text == "jane@example.com" {
			gotEmail = true
		}
		if s.Category == "phone" {
			gotPhone = true
		}
	}
	if !gotEmail {
		t.Fatal("expected an email span")
	}
	if !gotPhone {
		t.Fatal("expected a phone span")
	}
}

func TestDetector_Detect_CardCandidateRequiresLuhn(t *testing.T) {
	d := NewDetector(nil)

	// 4111111111111111 is a well-known Luhn-valid test card number.
	spans := d.Detect("card 4111111111111111 on file", ProfileFields{})
	var foundCard bool
	for _, s := range spans {
		if s.Category == "card" {
			foundCard = true
		}
	}
	if !foundCard {
		t.Fatal("expected the Luhn-valid card number to be detected")
	}

	spans = d.Detect("order number 1234567890123456", ProfileFields{})
	for _, s := range spans {
		if s.Category == "card" {
			t.Fatalf("expected a Luhn-invalid digit run not to be categorized as a card, got %+v", s)
		}
	}
}

func TestDetector_Detect_ExactFieldMatch(t *testing.T) {
	d := NewDetector(nil)
	fields := ProfileFields{Names: []string{"Jane Doe"}, Addresses: []string{"123 Main St"}}

	spans := d.Detect("Jane Doe lives at 123 Main St", fields)
	var gotName, gotAddr bool
	for _, s := range spans {
		if s.Category == "name" && s.Text == "Jane Doe" {
			gotName = true
		}
		if s.Category == "address" && s.Text == "123 Main St" {
			gotAddr = true
		}
	}
	if !gotName || !gotAddr {
		t.Fatalf("expected exact name and address matches, got %+v", spans)
	}
}

func TestDetector_HashMatches(t *testing.T) {
	d := NewDetector([]byte("test-key"))
	digest := d.Digest("jane@example.com")

	if !d.HashMatches("jane@example.com", []string{digest}) {
		t.Fatal("expected a matching digest to report a match")
	}
	if d.HashMatches("other@example.com", []string{digest}) {
		t.Fatal("expected a non-matching value to report no match")
	}
}

func TestLuhnValid(t *testing.T) {
	cases := map[string]bool{
		"4111111111111111": true,
		"4111111111111112": false,
		"123":               false,
	}
	for in, want := range cases {
		if got := luhnValid(in); got != want {
			t.Errorf("luhnValid(%q) = %v, want %v", in, got, want)
		}
	}
}
