package llmrouter

import (
	"strings"
	"testing"
)

type sampleOutput struct {
	Name string `json:"name" validate:"required"`
}

func TestValidateStructuredOutput_RejectsMissingRequiredField(t *testing.T) {
	var dest sampleOutput
	if err := ValidateStructuredOutput(`{"name":""}`, &dest); err == nil {
		t.Fatal("expected validation to fail on an empty required field")
	}
}

func TestValidateStructuredOutput_AcceptsValidJSON(t *testing.T) {
	var dest sampleOutput
	if err := ValidateStructuredOutput(`{"name":"jane"}`, &dest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dest.Name != "jane" {
		t.Fatalf("expected dest to be populated, got %+v", dest)
	}
}

func TestValidateLength_RejectsOverLimit(t *testing.T) {
	long := strings.Repeat("x", 5000)
	if err := ValidateLength(long, TaskDraftReply); err == nil {
		t.Fatal("expected an error for output exceeding DraftReply's bound")
	}
}

func TestValidateLength_AcceptsWithinLimit(t *testing.T) {
	if err := ValidateLength("a short reply", TaskDraftReply); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateNoLeakedPII_RejectsUnsanctionedSpan(t *testing.T) {
	d := NewDetector(nil)
	err := ValidateNoLeakedPII(d, "contact jane@example.com", ProfileFields{}, nil)
	if err == nil {
		t.Fatal("expected an error for an unsanctioned email appearing in output")
	}
}

func TestValidateNoLeakedPII_AllowsSanctionedSpan(t *testing.T) {
	d := NewDetector(nil)
	err := ValidateNoLeakedPII(d, "contact jane@example.com", ProfileFields{}, []string{"jane@example.com"})
	if err != nil {
		t.Fatalf("expected sanctioned span to be allowed, got error: %v", err)
	}
}

func TestSchemaFor_ProducesASchema(t *testing.T) {
	schema, err := SchemaFor(&sampleOutput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if schema == nil {
		t.Fatal("expected a non-nil schema")
	}
}
