// Package brokerdef loads broker definition bundles (C5): YAML descriptors
// of a people-search broker or data firm's scan/removal contract, verified
// against an Ed25519/SHA-256 trust model before being trusted for scanning
// or removal.
package brokerdef

import (
	"fmt"
	"time"

	"github.com/scrubline/scrubline/core/model"
)

// bundleFile is the on-disk shape of a single *.broker.yaml file. Field
// names are deliberately narrow and explicit — unknown top-level keys are
// rejected by the strict decoder in loader.go rather than silently
// ignored, since a typo'd key in a community-authored definition should
// fail loudly rather than produce a broker with a missing removal method.
type bundleFile struct {
	ID                string   `yaml:"id"`
	Category          string   `yaml:"category"`
	Region            string   `yaml:"region"`
	ScanPriorityTier  int      `yaml:"scan_priority_tier"`
	ScanMethod        string   `yaml:"scan_method"`
	URLTemplate       string   `yaml:"url_template"`
	RemovalMethod     string   `yaml:"removal_method"`
	RemovalEmail      string   `yaml:"removal_email"`
	Confirmation      string   `yaml:"confirmation"`
	RequiresCaptcha   bool     `yaml:"requires_captcha"`
	RequiredFields    []string `yaml:"required_fields"`
	TypicalSLADays    int      `yaml:"typical_sla_days"`
	LastVerified      string   `yaml:"last_verified"` // RFC3339 date
	Origin            string   `yaml:"origin"`
	RegulationSubject []string `yaml:"regulation_subject"`
}

// toDefinition converts a decoded bundleFile into the canonical
// model.BrokerDefinition, validating enum fields and the last-verified
// date along the way.
func (b bundleFile) toDefinition() (model.BrokerDefinition, error) {
	if b.ID == "" {
		return model.BrokerDefinition{}, fmt.Errorf("broker definition missing required field %q", "id")
	}

	scanMethod, err := parseScanMethod(b.ScanMethod)
	if err != nil {
		return model.BrokerDefinition{}, fmt.Errorf("broker %q: %w", b.ID, err)
	}
	removalMethod, err := parseRemovalMethod(b.RemovalMethod)
	if err != nil {
		return model.BrokerDefinition{}, fmt.Errorf("broker %q: %w", b.ID, err)
	}
	confirmation, err := parseConfirmation(b.Confirmation)
	if err != nil {
		return model.BrokerDefinition{}, fmt.Errorf("broker %q: %w", b.ID, err)
	}

	var lastVerified time.Time
	if b.LastVerified != "" {
		lastVerified, err = time.Parse(time.RFC3339, b.LastVerified)
		if err != nil {
			return model.BrokerDefinition{}, fmt.Errorf("broker %q: invalid last_verified %q: %w", b.ID, b.LastVerified, err)
		}
	}

	return model.BrokerDefinition{
		ID:                b.ID,
		Category:          b.Category,
		Region:            b.Region,
		ScanPriorityTier:  b.ScanPriorityTier,
		ScanMethod:        scanMethod,
		URLTemplate:       b.URLTemplate,
		RemovalMethod:     removalMethod,
		RemovalEmail:      b.RemovalEmail,
		Confirmation:      confirmation,
		RequiresCaptcha:   b.RequiresCaptcha,
		RequiredFields:    b.RequiredFields,
		TypicalSLA:        time.Duration(b.TypicalSLADays) * 24 * time.Hour,
		LastVerified:      lastVerified,
		Origin:            b.Origin,
		RegulationSubject: b.RegulationSubject,
	}, nil
}

func parseScanMethod(s string) (model.ScanMethod, error) {
	switch model.ScanMethod(s) {
	case model.ScanMethodURLTemplate, model.ScanMethodForm, model.ScanMethodAPI, model.ScanMethodLLMGuided:
		return model.ScanMethod(s), nil
	default:
		return "", fmt.Errorf("unknown scan_method %q", s)
	}
}

func parseRemovalMethod(s string) (model.RemovalMethod, error) {
	switch model.RemovalMethod(s) {
	case model.RemovalMethodForm, model.RemovalMethodEmail, model.RemovalMethodMultiStep, model.RemovalMethodManual:
		return model.RemovalMethod(s), nil
	default:
		return "", fmt.Errorf("unknown removal_method %q", s)
	}
}

func parseConfirmation(s string) (model.ConfirmationType, error) {
	switch model.ConfirmationType(s) {
	case model.ConfirmationWebScan, model.ConfirmationAPI, model.ConfirmationEmail, model.ConfirmationManualReview:
		return model.ConfirmationType(s), nil
	default:
		return "", fmt.Errorf("unknown confirmation %q", s)
	}
}
