package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// captchaSelectors are predefined CSS selectors for the CAPTCHA widgets of
// common frameworks (spec.md §4.5 "predefined selectors for common
// frameworks"). The engine never attempts to solve a CAPTCHA; detection
// exists solely to pause the flow and hand the page back to the user.
var captchaSelectors = map[string]string{
	"recaptcha_v2":         "div.g-recaptcha, iframe[src*='recaptcha']",
	"recaptcha_v3_badge":   ".grecaptcha-badge",
	"hcaptcha":             "div.h-captcha, iframe[src*='hcaptcha.com']",
	"cloudflare_turnstile": "div.cf-turnstile, iframe[src*='challenges.cloudflare.com']",
	"funcaptcha":           "iframe[src*='funcaptcha']",
}

// DetectCaptcha checks the page for any known CAPTCHA widget by probing
// each predefined selector. It returns the first framework matched, or
// ok=false if none were found.
func DetectCaptcha(ctx context.Context, t PageTransport) (framework, selector string, ok bool, err error) {
	for fw, sel := range captchaSelectors {
		js := fmt.Sprintf(`document.querySelector(%q) !== null ? "1" : "0"`, sel)
		result, evalErr := t.Eval(ctx, js)
		if evalErr != nil {
			return "", "", false, evalErr
		}
		if result == "1" {
			return fw, sel, true, nil
		}
	}
	return "", "", false, nil
}

// ResumeSnapshot is the resumable state a removal submission persists when
// it hits a CAPTCHA, so the task can be checkpointed and later resumed
// from the same page state once the user (or a supported solving flow
// outside this module's scope) clears the challenge. Non-goals exclude
// CAPTCHA solving (spec.md §1); the engine's job ends at detection and
// persistence.
type ResumeSnapshot struct {
	ResumeToken string
	BrokerID    string
	URL         string
	Framework   string
	Screenshot  []byte
	CapturedAt  time.Time
}

// NewResumeToken mints a fresh resume token for an AwaitingCaptcha outcome.
func NewResumeToken() string {
	return uuid.New().String()
}

// CaptureResumeSnapshot builds a ResumeSnapshot for brokerID by reading
// the page's current URL and screenshot through t.
func CaptureResumeSnapshot(ctx context.Context, t PageTransport, brokerID, framework string, now time.Time) (ResumeSnapshot, error) {
	url, err := t.CurrentURL(ctx)
	if err != nil {
		return ResumeSnapshot{}, err
	}
	shot, err := t.Screenshot(ctx)
	if err != nil {
		return ResumeSnapshot{}, err
	}
	return ResumeSnapshot{
		ResumeToken: NewResumeToken(),
		BrokerID:    brokerID,
		URL:         url,
		Framework:   framework,
		Screenshot:  shot,
		CapturedAt:  now,
	}, nil
}

// decodeBase64PNG is a small helper used where a transport's screenshot
// result arrives as a base64 string (CDP's Page.captureScreenshot) rather
// than raw bytes.
func decodeBase64PNG(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
