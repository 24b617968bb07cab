// Package mailengine is the third-party communication engine (C8): a state
// machine over email threads with a hardened classification/drafting
// pipeline, multi-level budget caps, static fallback templates, and SMTP /
// IMAP / draft-file transports.
package mailengine

import (
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/core/model"
)

// Per-thread hard caps. These are non-overridable minima: a preset or user
// setting may tighten them but never widen them.
const (
	MaxAutoRepliesPerThread = 5
	MaxLLMCallsPerThread    = 20
	MaxTokensPerThread      = 5000
	MinAutoReplySpacing     = 4 * time.Hour
	ThreadLifetime          = 14 * 24 * time.Hour
)

// Preset names a global outbound-mail volume policy.
type Preset string

const (
	PresetParanoid     Preset = "paranoid"
	PresetLocalPrivacy Preset = "local_privacy"
	PresetBalanced     Preset = "balanced"
	PresetCustom       Preset = "custom"
)

// DailyCap returns the preset's cap on automated outbound mail per 24h
// window. Custom is the ceiling a user-supplied value may not exceed.
func (p Preset) DailyCap() int {
	switch p {
	case PresetParanoid:
		return 0
	case PresetLocalPrivacy:
		return 5
	case PresetBalanced:
		return 10
	case PresetCustom:
		return 25
	default:
		return 0
	}
}

// HourlyCap returns the cap on automated outbound mail per hour. The same
// for every preset that sends at all.
func (p Preset) HourlyCap() int {
	if p.DailyCap() == 0 {
		return 0
	}
	return 3
}

// NewThreadBudget returns a fresh per-thread budget starting from the hard
// caps, expiring ThreadLifetime after now.
func NewThreadBudget(now time.Time) model.Budget {
	return model.Budget{
		AutoRepliesRemaining: MaxAutoRepliesPerThread,
		LLMCallsRemaining:    MaxLLMCallsPerThread,
		TokensRemaining:      MaxTokensPerThread,
		NextReplyAllowedAt:   now,
		ThreadExpiresAt:      now.Add(ThreadLifetime),
	}
}

// CheckThreadBudget verifies every per-thread precondition for a
// transition that consumes an LLM call or sends an outbound message. A
// failed check is a PolicyViolation and is never retried.
func CheckThreadBudget(b model.Budget, now time.Time, tokenEstimate int) error {
	switch {
	case b.AutoRepliesRemaining <= 0:
		return apperr.New(apperr.KindPolicyViolation, "thread auto-reply budget exhausted")
	case b.LLMCallsRemaining <= 0:
		return apperr.New(apperr.KindPolicyViolation, "thread LLM-call budget exhausted")
	case b.TokensRemaining < tokenEstimate:
		return apperr.New(apperr.KindPolicyViolation, "thread token budget exhausted").
			WithField("remaining", strconv.Itoa(b.TokensRemaining)).
			WithField("estimate", strconv.Itoa(tokenEstimate))
	case now.Before(b.NextReplyAllowedAt):
		return apperr.New(apperr.KindPolicyViolation, "minimum auto-reply spacing not yet elapsed")
	case !now.Before(b.ThreadExpiresAt):
		return apperr.New(apperr.KindPolicyViolation, "thread has expired")
	}
	return nil
}

// CheckLLMBudget verifies only the preconditions an LLM call itself
// consumes: calls, tokens, and thread lifetime. Reply count and spacing
// are checked separately, when an outbound reply is actually prepared, so
// a thread that can no longer reply can still classify one final inbound
// message and terminate correctly.
func CheckLLMBudget(b model.Budget, now time.Time, tokenEstimate int) error {
	switch {
	case b.LLMCallsRemaining <= 0:
		return apperr.New(apperr.KindPolicyViolation, "thread LLM-call budget exhausted")
	case b.TokensRemaining < tokenEstimate:
		return apperr.New(apperr.KindPolicyViolation, "thread token budget exhausted")
	case !now.Before(b.ThreadExpiresAt):
		return apperr.New(apperr.KindPolicyViolation, "thread has expired")
	}
	return nil
}

// SpendAutoReply decrements the reply budget and pushes the next permitted
// reply out by the minimum spacing. Counters only ever decrease.
func SpendAutoReply(b *model.Budget, now time.Time) {
	if b.AutoRepliesRemaining > 0 {
		b.AutoRepliesRemaining--
	}
	b.NextReplyAllowedAt = now.Add(MinAutoReplySpacing)
}

// SpendLLMCall decrements the call budget and subtracts the tokens the
// call consumed.
func SpendLLMCall(b *model.Budget, tokens int) {
	if b.LLMCallsRemaining > 0 {
		b.LLMCallsRemaining--
	}
	b.TokensRemaining -= tokens
	if b.TokensRemaining < 0 {
		b.TokensRemaining = 0
	}
}

// GlobalBudget enforces the per-hour and per-day caps on all outbound
// automated mail, across every thread. Overflow is queued to the next
// permitted window rather than dropped: Reserve returns the delay the
// caller must wait before sending.
type GlobalBudget struct {
	preset Preset
	hourly *rate.Limiter
	daily  *rate.Limiter
}

// NewGlobalBudget creates the limiter pair for preset. A zero-cap preset
// (Paranoid) permits nothing.
func NewGlobalBudget(preset Preset) *GlobalBudget {
	g := &GlobalBudget{preset: preset}
	if cap := preset.HourlyCap(); cap > 0 {
		g.hourly = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cap)), cap)
	}
	if cap := preset.DailyCap(); cap > 0 {
		g.daily = rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(cap)), cap)
	}
	return g
}

// Preset returns the preset this budget was built from.
func (g *GlobalBudget) Preset() Preset { return g.preset }

// Reserve claims one outbound send slot. It returns the delay until the
// send is permitted (zero when it may go immediately). A preset with a
// zero cap returns a PolicyViolation: automated mail is disabled outright,
// not merely deferred.
func (g *GlobalBudget) Reserve(now time.Time) (time.Duration, error) {
	if g.hourly == nil || g.daily == nil {
		return 0, apperr.New(apperr.KindPolicyViolation, "automated outbound mail is disabled by the active preset")
	}

	hr := g.hourly.ReserveN(now, 1)
	dr := g.daily.ReserveN(now, 1)
	if !hr.OK() || !dr.OK() {
		hr.CancelAt(now)
		dr.CancelAt(now)
		return 0, apperr.New(apperr.KindPolicyViolation, "outbound mail reservation failed")
	}

	delay := hr.DelayFrom(now)
	if d := dr.DelayFrom(now); d > delay {
		delay = d
	}
	if delay > 0 {
		// The slot is not held across the deferral; the caller re-reserves
		// when it retries at the permitted window.
		hr.CancelAt(now)
		dr.CancelAt(now)
	}
	return delay, nil
}
