package gate

import (
	"time"

	"github.com/google/uuid"

	"github.com/scrubline/scrubline/core/model"
)

// GrantRequest describes the guarded action a caller wants to perform.
// Subject matching against held grants is exact; grants never widen to
// cover a broader subject than the one they were issued for.
type GrantRequest struct {
	Subject string
	Kind    model.GrantKind

	// PII-read specific.
	Fields []string

	// Network / browser-automation specific.
	Domain string
	Method string
	Action string

	// LLM-specific.
	Provider string
	Task     string
}

// grantMatches reports whether p authorizes req, independent of expiry.
func grantMatches(p model.Permission, req GrantRequest) bool {
	if p.Subject != req.Subject || p.Kind != req.Kind {
		return false
	}

	switch req.Kind {
	case model.GrantPiiRead:
		return containsAll(p.PIIFields, req.Fields)

	case model.GrantNetworkAccess, model.GrantBrowserAutomation:
		if req.Domain != "" && !anyDomainMatches(req.Domain, p.DomainScopes) {
			return false
		}
		if req.Kind == model.GrantNetworkAccess && req.Method != "" && !containsString(p.Methods, req.Method) {
			return false
		}
		if req.Kind == model.GrantBrowserAutomation && req.Action != "" && !containsString(p.Actions, req.Action) {
			return false
		}
		return true

	case model.GrantLlmApiAccess:
		if req.Provider != "" && p.LLMProvider != "" && p.LLMProvider != req.Provider {
			return false
		}
		if req.Task != "" && len(p.AllowedTasks) > 0 && !containsString(p.AllowedTasks, req.Task) {
			return false
		}
		return true

	default:
		return true
	}
}

// grantLive reports whether p has not expired as of now.
func grantLive(p model.Permission, now time.Time) bool {
	return p.ExpiresAt == nil || now.Before(*p.ExpiresAt)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsAll(haystack, needles []string) bool {
	for _, n := range needles {
		if !containsString(haystack, n) {
			return false
		}
	}
	return true
}

// newGrantID is a small indirection so tests can pin IDs if ever needed.
func newGrantID() uuid.UUID { return model.NewID() }
