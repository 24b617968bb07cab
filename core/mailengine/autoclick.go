package mailengine

import (
	"net/url"
	"strings"

	"github.com/scrubline/scrubline/core/model"
)

// verificationKeywords is the documented keyword set an email's subject or
// body must contain before a verification link is eligible for auto-click.
var verificationKeywords = []string{
	"verify", "confirm", "confirmation", "opt-out", "opt out", "removal request", "suppression",
}

// linkKeywords is the documented keyword set the link URL itself must
// contain. Both gates must pass independently.
var linkKeywords = []string{
	"verify", "confirm", "optout", "opt-out", "unsubscribe", "suppress",
}

// AutoClickInput is everything the guard evaluates for one inbound email's
// candidate verification link.
type AutoClickInput struct {
	Mode                 model.EmailMode
	SenderAddress        string
	LinkURL              string
	Subject              string
	Body                 string
	ActiveRemovalDomains []string // brokers with an in-flight removal
	RedirectAllowlist    []string // documented broker redirect hosts
}

// AutoClickDecision is the guard's verdict. Reason is set when the click
// is refused, naming the first gate that failed; the email is then
// surfaced to the user instead.
type AutoClickDecision struct {
	Click  bool
	Reason string
}

// EvaluateAutoClick applies the verification-email auto-click policy:
// Full Automation mode only, sender domain must belong to an active
// removal, the link must stay on the sender's domain (or a documented
// redirect host), and both the email text and the link URL must carry a
// verification keyword. Any failure surfaces the email to the user.
func EvaluateAutoClick(in AutoClickInput) AutoClickDecision {
	if in.Mode != model.EmailModeFullAutomation {
		return AutoClickDecision{Reason: "auto-click requires full-automation mode"}
	}

	senderDomain := addressDomain(in.SenderAddress)
	if senderDomain == "" {
		return AutoClickDecision{Reason: "sender address has no parseable domain"}
	}
	if !domainInSet(senderDomain, in.ActiveRemovalDomains) {
		return AutoClickDecision{Reason: "sender domain is not an active removal domain"}
	}

	u, err := url.Parse(in.LinkURL)
	if err != nil || u.Hostname() == "" {
		return AutoClickDecision{Reason: "link URL is not parseable"}
	}
	linkDomain := strings.ToLower(u.Hostname())
	if !sameRegistrableDomain(linkDomain, senderDomain) && !domainInSet(linkDomain, in.RedirectAllowlist) {
		return AutoClickDecision{Reason: "link domain differs from sender domain and is not an allowlisted redirect"}
	}

	text := strings.ToLower(in.Subject + " " + in.Body)
	if !containsAny(text, verificationKeywords) {
		return AutoClickDecision{Reason: "email contains no verification keyword"}
	}
	if !containsAny(strings.ToLower(in.LinkURL), linkKeywords) {
		return AutoClickDecision{Reason: "link URL contains no verification keyword"}
	}

	return AutoClickDecision{Click: true}
}

func addressDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(addr[at+1:], ">"))
}

// sameRegistrableDomain treats a subdomain of the sender's domain as the
// same party: links.example.com belongs to example.com.
func sameRegistrableDomain(candidate, base string) bool {
	return candidate == base || strings.HasSuffix(candidate, "."+base)
}

func domainInSet(domain string, set []string) bool {
	for _, d := range set {
		if sameRegistrableDomain(domain, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
