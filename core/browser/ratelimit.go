package browser

import (
	"context"
	"crypto/rand"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrubline/scrubline/core/apperr"
)

// DomainLimiter enforces the per-domain stealth rate policy (spec.md
// §4.5): one request per a randomized 10-30s interval. Adapted from
// plugin/ratelimit.go's token-bucket RateLimiter, generalized from a
// fixed per-plugin rate to a randomized-interval, per-broker-domain one.
type DomainLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	minDelay time.Duration
	maxDelay time.Duration
}

// NewDomainLimiter creates a limiter with the spec's default jitter
// window. minDelay/maxDelay of zero fall back to 10s/30s.
func NewDomainLimiter(minDelay, maxDelay time.Duration) *DomainLimiter {
	if minDelay <= 0 {
		minDelay = 10 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &DomainLimiter{limiters: make(map[string]*rate.Limiter), minDelay: minDelay, maxDelay: maxDelay}
}

// Wait blocks until a request to domain is permitted by its token bucket
// or ctx is cancelled. Each domain gets an independent bucket seeded with
// a randomized interval, and a fresh interval is drawn after every
// permitted request so repeated calls do not settle into a perfectly
// periodic, easily fingerprinted cadence.
func (l *DomainLimiter) Wait(ctx context.Context, domain string) error {
	lim := l.limiterFor(domain)
	if err := lim.Wait(ctx); err != nil {
		return apperr.Wrap(apperr.KindCancelled, "rate limit wait cancelled", ctx.Err())
	}
	lim.SetLimit(rate.Every(l.jitteredInterval()))
	return nil
}

func (l *DomainLimiter) limiterFor(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[domain]; ok {
		return lim
	}
	interval := l.jitteredInterval()
	lim := rate.NewLimiter(rate.Every(interval), 1)
	l.limiters[domain] = lim
	return lim
}

func (l *DomainLimiter) jitteredInterval() time.Duration {
	span := l.maxDelay - l.minDelay
	if span <= 0 {
		return l.minDelay
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return l.minDelay + span/2
	}
	return l.minDelay + time.Duration(n.Int64())
}

// Fingerprint is the set of browser-identity fields rotated between scans
// so repeated automation runs do not present an identical client profile
// to the same broker (spec.md §4.5).
type Fingerprint struct {
	UserAgent string
	Viewport  string // "WxH"
	Timezone  string
	Language  string
}

var userAgentPool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

var viewportPool = []string{"1920x1080", "1366x768", "1536x864"}
var timezonePool = []string{"America/New_York", "America/Chicago", "America/Los_Angeles"}
var languagePool = []string{"en-US", "en-GB"}

// FingerprintRotator hands out a fresh Fingerprint per call, cycling
// through fixed pools deterministically from a seeded counter so evidence
// capture remains reproducible in tests while still varying field-to-field
// across scans.
type FingerprintRotator struct {
	mu    sync.Mutex
	index int
}

// NewFingerprintRotator returns a rotator starting at pool index 0.
func NewFingerprintRotator() *FingerprintRotator { return &FingerprintRotator{} }

// Next returns the next fingerprint in rotation.
func (r *FingerprintRotator) Next() Fingerprint {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index
	r.index++
	return Fingerprint{
		UserAgent: userAgentPool[i%len(userAgentPool)],
		Viewport:  viewportPool[i%len(viewportPool)],
		Timezone:  timezonePool[i%len(timezonePool)],
		Language:  languagePool[i%len(languagePool)],
	}
}

// RobotsChecker honors robots.txt for non-opt-out scan paths (spec.md
// §4.5). Opt-out/removal submission paths are never checked against it:
// callers only consult RobotsChecker before a scan, not before a removal
// submission.
type RobotsChecker struct {
	client *http.Client
	cache  sync.Map // origin -> *robotsRules
}

// NewRobotsChecker creates a checker using an http.Client with a short
// fetch timeout; a fetch failure defaults to "allowed" so a broker with a
// broken or absent robots.txt does not block scanning entirely.
func NewRobotsChecker() *RobotsChecker {
	return &RobotsChecker{client: &http.Client{Timeout: 10 * time.Second}}
}

type robotsRules struct {
	disallow []string
}

// Allowed reports whether path on origin may be fetched for scanning
// purposes, per the cached robots.txt disallow rules for user-agent "*".
func (c *RobotsChecker) Allowed(ctx context.Context, origin, path string) bool {
	rules := c.rulesFor(ctx, origin)
	if rules == nil {
		return true
	}
	for _, d := range rules.disallow {
		if d != "" && strings.HasPrefix(path, d) {
			return false
		}
	}
	return true
}

func (c *RobotsChecker) rulesFor(ctx context.Context, origin string) *robotsRules {
	if cached, ok := c.cache.Load(origin); ok {
		return cached.(*robotsRules)
	}
	rules := c.fetch(ctx, origin)
	c.cache.Store(origin, rules)
	return rules
}

func (c *RobotsChecker) fetch(ctx context.Context, origin string) *robotsRules {
	u := (&url.URL{Scheme: "https", Host: origin, Path: "/robots.txt"}).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	rules := &robotsRules{}
	applies := false
	buf := make([]byte, 64*1024)
	n, _ := resp.Body.Read(buf)
	for _, line := range strings.Split(string(buf[:n]), "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "user-agent:"):
			agent := strings.TrimSpace(line[len("user-agent:"):])
			applies = agent == "*"
		case applies && strings.HasPrefix(lower, "disallow:"):
			rules.disallow = append(rules.disallow, strings.TrimSpace(line[len("disallow:"):]))
		}
	}
	return rules
}
