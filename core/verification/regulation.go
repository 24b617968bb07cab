// Package verification is the verification and legal-timeline engine (C9):
// per-removal SLA timers, the escalation ladder, and reappearance detection
// over a fingerprint index of confirmed removals.
package verification

import (
	"time"

	"github.com/scrubline/scrubline/core/model"
)

// Regulation describes one privacy regulation the engine can compute
// deadlines against. Strength orders regulations by how much protection
// they grant the user; the engine always picks the strongest applicable.
type Regulation struct {
	Code             string
	Citation         string
	ResponseDays     int
	Strength         int
	Extraterritorial bool // applies to the user regardless of the broker's seat
}

// ResponseWindow is the statutory response deadline as a duration.
func (r Regulation) ResponseWindow() time.Duration {
	return time.Duration(r.ResponseDays) * 24 * time.Hour
}

// knownRegulations is the fixed regulation table. Codes are lowercase
// identifiers shared with broker definitions and profile jurisdictions.
var knownRegulations = map[string]Regulation{
	"gdpr":     {Code: "gdpr", Citation: "GDPR Art. 17", ResponseDays: 30, Strength: 90, Extraterritorial: true},
	"uk-gdpr":  {Code: "uk-gdpr", Citation: "UK GDPR Art. 17", ResponseDays: 30, Strength: 85, Extraterritorial: true},
	"lgpd":     {Code: "lgpd", Citation: "LGPD Art. 18", ResponseDays: 15, Strength: 80, Extraterritorial: false},
	"cpra":     {Code: "cpra", Citation: "CPRA §1798.105", ResponseDays: 45, Strength: 75, Extraterritorial: false},
	"ccpa":     {Code: "ccpa", Citation: "CCPA §1798.105", ResponseDays: 45, Strength: 70, Extraterritorial: false},
	"pipeda":   {Code: "pipeda", Citation: "PIPEDA Principle 4.9", ResponseDays: 30, Strength: 60, Extraterritorial: false},
	"vcdpa":    {Code: "vcdpa", Citation: "VCDPA §59.1-577", ResponseDays: 45, Strength: 55, Extraterritorial: false},
	"delete-act": {Code: "delete-act", Citation: "CA Delete Act SB 362", ResponseDays: 45, Strength: 65, Extraterritorial: false},
}

// Lookup returns the regulation for code.
func Lookup(code string) (Regulation, bool) {
	r, ok := knownRegulations[code]
	return r, ok
}

// Strongest computes the applicable regulation for a removal: the
// strongest among the user's applicable-regulation set (which onboarding
// assembles to include regulations that reach the user extraterritorially)
// and the regulations the broker is subject to. The result is snapshotted
// onto the RemovalAttempt at creation and never updated mid-flight.
func Strongest(j model.Jurisdiction, brokerRegs []string) (Regulation, bool) {
	var best Regulation
	found := false

	consider := func(code string) {
		r, ok := knownRegulations[code]
		if !ok {
			return
		}
		if !found || r.Strength > best.Strength {
			best, found = r, true
		}
	}

	for _, code := range j.Regulations {
		consider(code)
	}
	for _, code := range brokerRegs {
		consider(code)
	}
	return best, found
}
