package llmrouter

import (
	"encoding/json"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/scrubline/scrubline/core/apperr"
)

var structValidator = validator.New()

// SchemaFor generates a JSON Schema for the given Go type, used to tell a
// provider the exact shape a structured-output task must return. Output is
// checked on the way back by ValidateStructuredOutput against struct tags,
// not against this schema. Promoted from
// an indirect, previously-unexercised transitive dependency of the
// teacher's own go.mod to a direct one.
func SchemaFor(v any) (*jsonschema.Schema, error) {
	r := &jsonschema.Reflector{DoNotReference: true}
	return r.Reflect(v), nil
}

// ValidateStructuredOutput unmarshals raw directly into dest and checks it
// against dest's `validate:"..."` struct tags; when an error is returned,
// dest may already be partly filled. The LLM's system prompt is defense in
// depth only; this programmatic check is the ground truth (DESIGN NOTES
// "LLM as untrusted oracle").
func ValidateStructuredOutput(raw string, dest any) error {
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return apperr.Wrap(apperr.KindValidation, "structured output is not valid JSON", err)
	}
	if err := structValidator.Struct(dest); err != nil {
		return apperr.Wrap(apperr.KindValidation, "structured output failed schema validation", err)
	}
	return nil
}

// ValidateLength rejects output longer than the task's declared bound.
func ValidateLength(output string, task TaskType) error {
	limit := profileFor(task).MaxOutputChars
	if limit > 0 && len(output) > limit {
		return apperr.New(apperr.KindValidation, "output exceeds the task's length bound").
			WithField("limit", strconv.Itoa(limit)).
			WithField("actual", strconv.Itoa(len(output)))
	}
	return nil
}

// ValidateNoLeakedPII runs detector over output (which is bound for
// external egress) and rejects it if it contains a PII span that was not
// present in sanctionedSpans — the set of spans the original request
// already disclosed (e.g. the plaintext a Tokenize pass restored).
// Independent of whatever the system prompt asked for, per spec.md §4.4
// item 4 and the "LLM as untrusted oracle" design note.
func ValidateNoLeakedPII(detector *Detector, output string, fields ProfileFields, sanctioned []string) error {
	sanctionedSet := make(map[string]struct{}, len(sanctioned))
	for _, s := range sanctioned {
		sanctionedSet[s] = struct{}{}
	}

	for _, span := range detector.Detect(output, fields) {
		if _, ok := sanctionedSet[span.Text]; ok {
			continue
		}
		return apperr.New(apperr.KindPolicyViolation, "output contains PII not present in the sanctioned request").
			WithField("category", span.Category)
	}
	return nil
}
