package mailengine

import (
	"fmt"
	"strings"
	"time"

	"github.com/scrubline/scrubline/core/apperr"
)

// TemplateKind names a static fallback template. Templates are hard-coded
// and never LLM-generated; they are the only content the engine sends when
// the LLM is unavailable, over budget, or not trusted for the situation.
type TemplateKind string

const (
	TemplateBudgetExhausted      TemplateKind = "budget_exhausted_reply"
	TemplateIdentityVerification TemplateKind = "identity_verification_reply"
	TemplateExcessivePIIRequest  TemplateKind = "excessive_pii_request_reply"
	TemplateOverdueFollowUp      TemplateKind = "overdue_follow_up"
)

// TemplateParams is the small fixed parameter set every template draws
// from. Nothing else is ever interpolated into a static template.
type TemplateParams struct {
	BrokerName         string
	OriginalDate       time.Time
	RegulationCitation string
	DaysOverdue        int
}

// RenderTemplate produces the body for kind from params. Unknown kinds are
// a validation error, not a silent empty string.
func RenderTemplate(kind TemplateKind, p TemplateParams) (string, error) {
	date := p.OriginalDate.Format("January 2, 2006")

	switch kind {
	case TemplateBudgetExhausted:
		return strings.TrimSpace(fmt.Sprintf(`Hello,

This is a follow-up regarding the data deletion request submitted to %s on %s under %s.

Automated correspondence on this request has reached its limit. Please treat the original request as standing: we ask that you complete the deletion and send written confirmation to this address. Any further questions about this request will be reviewed directly by the requester.

Regards`, p.BrokerName, date, p.RegulationCitation)), nil

	case TemplateIdentityVerification:
		return strings.TrimSpace(fmt.Sprintf(`Hello,

Regarding the data deletion request submitted to %s on %s under %s:

The information already provided in the original request is sufficient to locate and delete the record in question. We decline to provide additional identity documents beyond what that regulation requires for a deletion request of this kind. Please proceed on the basis of the information already supplied, or state the specific legal basis for requiring more.

Regards`, p.BrokerName, date, p.RegulationCitation)), nil

	case TemplateExcessivePIIRequest:
		return strings.TrimSpace(fmt.Sprintf(`Hello,

Regarding the data deletion request submitted to %s on %s under %s:

Your reply requests personal information beyond what is reasonably necessary to verify this request. Collecting additional personal data in order to process a deletion request is inconsistent with the data-minimization obligations of %s. Please process the request using the information already provided.

Regards`, p.BrokerName, date, p.RegulationCitation, p.RegulationCitation)), nil

	case TemplateOverdueFollowUp:
		return strings.TrimSpace(fmt.Sprintf(`Hello,

On %s a data deletion request was submitted to %s under %s. That request is now %d days past the response deadline the regulation prescribes.

Please confirm in writing that the record has been deleted. If the deletion has not been completed, please complete it without further delay; continued failure to respond may be escalated to the relevant supervisory authority.

Regards`, date, p.BrokerName, p.RegulationCitation, p.DaysOverdue)), nil

	default:
		return "", apperr.New(apperr.KindValidation, "unknown template kind").WithField("kind", string(kind))
	}
}
