// Package gate implements the permission gate (C2): the single check point
// every side-effecting operation passes before touching PII, the network,
// the filesystem, an LLM provider, or the browser.
package gate

import "strings"

// domainMatches implements the two documented wildcard forms for a domain
// scope pattern against a requested host:
//
//   - "*.example.com" matches exactly one additional label: "api.example.com"
//     matches, "a.b.example.com" does not, and "example.com" itself does not.
//   - ".example.com" (a leading dot, no asterisk) matches the base domain and
//     any number of sub-labels: "example.com", "api.example.com", and
//     "a.b.example.com" all match.
//   - Any other pattern must match the host exactly.
//
// This is the pinned resolution of the spec's wildcard open question: the
// two forms are kept deliberately distinct so a grant author can choose
// between "one level of subdomain" and "the whole domain tree" rather than
// the engine guessing.
func domainMatches(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)

	switch {
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[1:] // ".example.com"
		if !strings.HasSuffix(host, suffix) {
			return false
		}
		remainder := strings.TrimSuffix(host, suffix)
		return remainder != "" && !strings.Contains(remainder, ".")

	case strings.HasPrefix(pattern, "."):
		return host == pattern[1:] || strings.HasSuffix(host, pattern)

	default:
		return host == pattern
	}
}

// anyDomainMatches reports whether host matches any pattern in scopes.
func anyDomainMatches(host string, scopes []string) bool {
	for _, s := range scopes {
		if domainMatches(host, s) {
			return true
		}
	}
	return false
}
