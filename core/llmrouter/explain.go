package llmrouter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scrubline/scrubline/core/apperr"
)

// BrokerExplanation is the structured output of the ExplainBroker task:
// a plain-language account of what a broker collects and how it uses it,
// grounded only in the broker's own public data-practices description.
type BrokerExplanation struct {
	BrokerID    string   `json:"broker_id" validate:"required"`
	Summary     string   `json:"summary" validate:"required"`
	DataTypes   []string `json:"data_types"`
	Sources     []string `json:"sources"`
	OptOutNotes string   `json:"opt_out_notes"`
}

// ExplainBroker asks the router to explain a broker's data practices for
// the user. Grounded on assist/explain.go's Explainer.Explain, with the
// finding-batch loop dropped (a single broker needs one call, not a
// batched pass over many findings) and the request type narrowed from
// "arbitrary scan findings" to "one broker's public description" —
// ExposureNone, so it is the one task type the router is permitted to
// send to any cloud provider unfiltered.
func (r *Router) ExplainBroker(ctx context.Context, preference RoutingPreference, brokerID, category, publicDescription string) (*BrokerExplanation, error) {
	schema, err := SchemaFor(&BrokerExplanation{})
	if err != nil {
		return nil, err
	}

	messages := []Message{
		{Role: RoleSystem, Content: SystemPrompt(TaskExplainBroker)},
		{Role: RoleUser, Content: fmt.Sprintf(
			"Broker ID: %s\nCategory: %s\nPublic description:\n%s\n\nRespond matching this JSON schema:\n%s",
			brokerID, category, publicDescription, mustMarshalSchema(schema),
		)},
	}

	result, err := r.Route(ctx, RouteRequest{
		Task:            TaskExplainBroker,
		Preference:      preference,
		Messages:        messages,
		NeedsStructured: true,
	})
	if err != nil {
		return nil, err
	}

	var explanation BrokerExplanation
	if err := ValidateStructuredOutput(result.RestoredContent, &explanation); err != nil {
		return nil, err
	}
	if explanation.BrokerID != brokerID {
		return nil, apperr.New(apperr.KindValidation, "explanation broker_id does not match the requested broker")
	}
	return &explanation, nil
}

func mustMarshalSchema(schema any) string {
	b, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}
