package browser

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/core/model"
	"github.com/scrubline/scrubline/pkg/clock"
)

// PermissionChecker is the narrow interface the engine consults before any
// navigation or form submission. core/gate.Gate implements it; the engine
// never imports core/gate directly, matching the one-way-edge discipline
// core/vault already established.
type PermissionChecker interface {
	CheckBrowserAutomation(ctx context.Context, subject, domain, action string) error
}

// TransportFactory opens a fresh PageTransport pinned to one task, given
// the broker's declared origin and the fingerprint the engine wants this
// page launched with.
type TransportFactory func(ctx context.Context, origin string, fp Fingerprint) (PageTransport, error)

// EvidenceSealer encrypts a screenshot for at-rest storage. core/vault
// implements it via SealEvidence.
type EvidenceSealer interface {
	SealEvidence(recordID string, plaintext []byte) (model.Sealed, error)
}

// Engine is the browser automation engine (C6): it navigates per a
// broker's declared scan/removal method, enforces per-domain stealth rate
// limiting and origin confinement, computes match-confidence, detects
// CAPTCHA challenges, and seals evidence before returning.
type Engine struct {
	transports TransportFactory
	limiter    *DomainLimiter
	rotator    *FingerprintRotator
	robots     *RobotsChecker
	sealer     EvidenceSealer
	checker    PermissionChecker
	clock      clock.Clock

	actionTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

func WithTransportFactory(f TransportFactory) Option { return func(e *Engine) { e.transports = f } }
func WithDomainLimiter(l *DomainLimiter) Option       { return func(e *Engine) { e.limiter = l } }
func WithFingerprintRotator(r *FingerprintRotator) Option {
	return func(e *Engine) { e.rotator = r }
}
func WithRobotsChecker(r *RobotsChecker) Option       { return func(e *Engine) { e.robots = r } }
func WithEvidenceSealer(s EvidenceSealer) Option      { return func(e *Engine) { e.sealer = s } }
func WithPermissionChecker(c PermissionChecker) Option { return func(e *Engine) { e.checker = c } }
func WithClock(c clock.Clock) Option                  { return func(e *Engine) { e.clock = c } }
func WithActionTimeout(d time.Duration) Option        { return func(e *Engine) { e.actionTimeout = d } }

// New creates an Engine. WithTransportFactory is required; everything
// else has a conservative default.
func New(opts ...Option) *Engine {
	e := &Engine{
		limiter:       NewDomainLimiter(10*time.Second, 30*time.Second),
		rotator:       NewFingerprintRotator(),
		robots:        NewRobotsChecker(),
		clock:         clock.NewReal(),
		actionTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// originHost extracts the bare host from an origin string that may be a
// bare domain or a full URL.
func originHost(origin string) string {
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return u.Host
	}
	return origin
}

// confineToOrigin rejects a URL that does not belong to the broker's
// declared origin (spec.md §4.5 "the engine rejects any action targeting
// a domain outside the broker's declared origin").
func confineToOrigin(candidateURL, origin string) error {
	host := originHost(origin)
	u, err := url.Parse(candidateURL)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "parsing candidate url", err)
	}
	if u.Host != host && !strings.HasSuffix(u.Host, "."+host) {
		return apperr.New(apperr.KindPolicyViolation, "action targets a domain outside the broker's declared origin").
			WithField("origin", host).WithField("target", u.Host)
	}
	return nil
}

// ScanBroker navigates to def's scan target, extracts a plain-text
// abstraction of the resulting page, computes a deterministic
// match-confidence against profile, captures sealed evidence, and returns
// the ScanResult. found is true only when confidence and page content
// together indicate a genuine listing was located.
func (e *Engine) ScanBroker(ctx context.Context, subject string, def model.BrokerDefinition, profileID uuid.UUID, profile ProfileView) (model.ScanResult, error) {
	if e.checker != nil {
		if err := e.checker.CheckBrowserAutomation(ctx, subject, originHost(def.Origin), "scan"); err != nil {
			return model.ScanResult{}, err
		}
	}

	host := originHost(def.Origin)
	if err := e.limiter.Wait(ctx, host); err != nil {
		return model.ScanResult{}, err
	}

	if !e.robots.Allowed(ctx, host, "/") {
		return model.ScanResult{}, apperr.New(apperr.KindPolicyViolation, "robots.txt disallows scanning this broker's origin")
	}

	targetURL := def.URLTemplate
	if err := confineToOrigin(targetURL, def.Origin); err != nil {
		return model.ScanResult{}, err
	}

	actionCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	defer cancel()

	t, err := e.openTransport(actionCtx, def.Origin)
	if err != nil {
		return model.ScanResult{}, err
	}
	defer t.Close()

	if err := t.Navigate(actionCtx, targetURL); err != nil {
		return model.ScanResult{}, apperr.Wrap(apperr.KindIO, "navigating to scan target", err).WithRetryable(true)
	}

	pageText, err := t.Eval(actionCtx, `document.body ? document.body.innerText : ""`)
	if err != nil {
		return model.ScanResult{}, apperr.Wrap(apperr.KindIO, "extracting page text", err).WithRetryable(true)
	}

	confidence, method := Confidence(profile, pageText)

	shot, err := t.Screenshot(actionCtx)
	if err != nil {
		return model.ScanResult{}, apperr.Wrap(apperr.KindIO, "capturing evidence screenshot", err).WithRetryable(true)
	}

	resultID := model.NewID()
	var sealed model.Sealed
	if e.sealer != nil {
		sealed, err = e.sealer.SealEvidence(resultID.String(), shot)
		if err != nil {
			return model.ScanResult{}, err
		}
	}

	listingURL, _ := t.CurrentURL(actionCtx)

	return model.ScanResult{
		ID:           resultID,
		ProfileID:    profileID,
		BrokerID:     def.ID,
		Found:        confidence >= defaultMatchThreshold,
		ListingURL:   listingURL,
		Confidence:   confidence,
		MatchMethod:  method,
		EvidenceBlob: sealed,
		Timestamp:    e.clock.Now(),
	}, nil
}

// defaultMatchThreshold is the confidence floor above which a ScanResult
// is considered found=true, consistent with spec.md §3 invariant 4
// ("ScanResult with found=true and confidence >= threshold is the sole
// precondition for creating a RemovalAttempt").
const defaultMatchThreshold = 0.55

// RemovalOutcome is the result of SubmitRemoval.
type RemovalOutcomeKind string

const (
	OutcomeSubmitted      RemovalOutcomeKind = "submitted"
	OutcomeAwaitingCaptcha RemovalOutcomeKind = "awaiting_captcha"
	OutcomeFailed          RemovalOutcomeKind = "failed"
)

type RemovalOutcome struct {
	Kind     RemovalOutcomeKind
	Snapshot *ResumeSnapshot // set only when Kind == OutcomeAwaitingCaptcha
	Detail   string
}

// SubmitRemoval fills and submits def's removal form (or invokes its API;
// only the form path performs live browser interaction, the API path is
// out of this engine's scope and handled by the caller's own HTTP client).
// On CAPTCHA detection it persists a resumable snapshot and returns
// OutcomeAwaitingCaptcha rather than failing the task.
func (e *Engine) SubmitRemoval(ctx context.Context, subject string, def model.BrokerDefinition, result model.ScanResult, profile ProfileView) (RemovalOutcome, error) {
	if def.RemovalMethod != model.RemovalMethodForm && def.RemovalMethod != model.RemovalMethodMultiStep {
		return RemovalOutcome{}, apperr.New(apperr.KindConflict, "submit_removal only handles form/multi_step removal methods")
	}

	if e.checker != nil {
		if err := e.checker.CheckBrowserAutomation(ctx, subject, originHost(def.Origin), "submit_removal"); err != nil {
			return RemovalOutcome{}, err
		}
	}

	host := originHost(def.Origin)
	if err := e.limiter.Wait(ctx, host); err != nil {
		return RemovalOutcome{}, err
	}

	actionCtx, cancel := context.WithTimeout(ctx, 90*time.Second) // form submit default (spec.md §5)
	defer cancel()

	t, err := e.openTransport(actionCtx, def.Origin)
	if err != nil {
		return RemovalOutcome{}, err
	}
	defer t.Close()

	if err := confineToOrigin(result.ListingURL, def.Origin); err != nil {
		return RemovalOutcome{}, err
	}
	if err := t.Navigate(actionCtx, result.ListingURL); err != nil {
		return RemovalOutcome{}, apperr.Wrap(apperr.KindIO, "navigating to removal form", err).WithRetryable(true)
	}

	if framework, _, found, err := DetectCaptcha(actionCtx, t); err != nil {
		return RemovalOutcome{}, apperr.Wrap(apperr.KindIO, "detecting captcha", err).WithRetryable(true)
	} else if found {
		snap, err := CaptureResumeSnapshot(actionCtx, t, def.ID, framework, e.clock.Now())
		if err != nil {
			return RemovalOutcome{}, err
		}
		return RemovalOutcome{Kind: OutcomeAwaitingCaptcha, Snapshot: &snap, Detail: framework}, nil
	}

	if err := fillRemovalForm(actionCtx, t, profile); err != nil {
		return RemovalOutcome{}, err
	}

	return RemovalOutcome{Kind: OutcomeSubmitted}, nil
}

// fillRemovalForm fills the common set of opt-out form fields. Selector
// names follow the convention broker definitions are expected to use for
// their removal forms; a definition with nonstandard selectors supplies
// them via its own form-selector map, which is out of this function's
// narrow default-field scope.
func fillRemovalForm(ctx context.Context, t PageTransport, profile ProfileView) error {
	if len(profile.FullNames) > 0 {
		if err := t.Fill(ctx, `input[name="full_name"]`, profile.FullNames[0]); err != nil {
			return apperr.Wrap(apperr.KindIO, "filling name field", err).WithRetryable(true)
		}
	}
	if len(profile.Emails) > 0 {
		if err := t.Fill(ctx, `input[name="email"]`, profile.Emails[0]); err != nil {
			return apperr.Wrap(apperr.KindIO, "filling email field", err).WithRetryable(true)
		}
	}
	if err := t.Click(ctx, `button[type="submit"]`); err != nil {
		return apperr.Wrap(apperr.KindIO, "clicking submit", err).WithRetryable(true)
	}
	return nil
}

func (e *Engine) openTransport(ctx context.Context, origin string) (PageTransport, error) {
	if e.transports == nil {
		return nil, apperr.New(apperr.KindFatal, "browser engine has no transport factory configured")
	}
	return e.transports(ctx, origin, e.rotator.Next())
}
