package browser

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/core/model"
)

// fakeTransport is an in-memory PageTransport for driving the engine
// without a browser subprocess.
type fakeTransport struct {
	currentURL    string
	pageText      string
	captchaResult string // what selector-probe evals report; "0" = absent
	clicks        []string
	fills         map[string]string
	navigated     []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fills: make(map[string]string), captchaResult: "0"}
}

func (f *fakeTransport) Navigate(_ context.Context, url string) error {
	f.currentURL = url
	f.navigated = append(f.navigated, url)
	return nil
}

// Eval distinguishes the engine's two uses: page-text extraction reads
// document.body, selector probes (captcha detection) use querySelector.
func (f *fakeTransport) Eval(_ context.Context, js string) (string, error) {
	if strings.Contains(js, "document.body") {
		return f.pageText, nil
	}
	return f.captchaResult, nil
}
func (f *fakeTransport) Fill(_ context.Context, sel, val string) error {
	f.fills[sel] = val
	return nil
}
func (f *fakeTransport) Click(_ context.Context, sel string) error {
	f.clicks = append(f.clicks, sel)
	return nil
}
func (f *fakeTransport) Screenshot(_ context.Context) ([]byte, error) { return []byte("png"), nil }
func (f *fakeTransport) CurrentURL(_ context.Context) (string, error) { return f.currentURL, nil }
func (f *fakeTransport) Close() error                                 { return nil }

// scriptedPlanner replays a fixed action sequence.
type scriptedPlanner struct {
	actions []GuidedAction
	step    int
	saw     []string // sanitized abstractions observed
}

func (p *scriptedPlanner) NextAction(_ context.Context, _, abstraction string) (GuidedAction, error) {
	p.saw = append(p.saw, abstraction)
	if p.step >= len(p.actions) {
		return GuidedAction{Action: "stop"}, nil
	}
	a := p.actions[p.step]
	p.step++
	return a, nil
}

func guidedTestEngine(t *fakeTransport) *Engine {
	return New(
		WithTransportFactory(func(_ context.Context, _ string, _ Fingerprint) (PageTransport, error) {
			return t, nil
		}),
		WithDomainLimiter(NewDomainLimiter(time.Nanosecond, 2*time.Nanosecond)),
	)
}

func guidedDef() model.BrokerDefinition {
	return model.BrokerDefinition{ID: "example-people", Origin: "example-people.com"}
}

func TestGuidedSession_CompletesAndSanitizes(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.pageText = "opt out page for jane"
	planner := &scriptedPlanner{actions: []GuidedAction{
		{Action: "fill", Selector: "#name", Value: "TOK_NAME_001"},
		{Action: "click", Selector: "#submit"},
		{Action: "stop", Reason: "form submitted"},
	}}

	e := guidedTestEngine(ft)
	res, err := e.GuidedSession(context.Background(), "browser", guidedDef(),
		"https://example-people.com/optout", "submit the opt-out form", planner,
		func(s string) string { return "[sanitized] " + s })
	if err != nil {
		t.Fatal(err)
	}
	if !res.Completed || res.Steps != 3 {
		t.Errorf("result = %+v", res)
	}
	if ft.fills["#name"] != "TOK_NAME_001" {
		t.Errorf("fill value = %q", ft.fills["#name"])
	}
	if len(planner.saw) == 0 || planner.saw[0] != "[sanitized] opt out page for jane" {
		t.Errorf("planner observed %v, want sanitized abstractions only", planner.saw)
	}
}

func TestGuidedSession_RejectsOffOriginNavigation(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	planner := &scriptedPlanner{actions: []GuidedAction{
		{Action: "navigate", URL: "https://evil.example.net/phish"},
	}}

	e := guidedTestEngine(ft)
	_, err := e.GuidedSession(context.Background(), "browser", guidedDef(),
		"https://example-people.com/optout", "objective", planner,
		func(s string) string { return s })
	if !apperr.Is(err, apperr.KindPolicyViolation) {
		t.Fatalf("off-origin navigation must be a policy violation, got %v", err)
	}
	if len(ft.navigated) != 1 {
		t.Errorf("the off-origin URL must never be issued to the page: %v", ft.navigated)
	}
}

func TestGuidedSession_StepBound(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	// A planner that never stops.
	var endless []GuidedAction
	for i := 0; i < maxGuidedSteps+5; i++ {
		endless = append(endless, GuidedAction{Action: "click", Selector: "#next"})
	}
	planner := &scriptedPlanner{actions: endless}

	e := guidedTestEngine(ft)
	ft.currentURL = "https://example-people.com/start"
	_, err := e.GuidedSession(context.Background(), "browser", guidedDef(),
		"https://example-people.com/start", "objective", planner,
		func(s string) string { return s })
	if !apperr.Is(err, apperr.KindPolicyViolation) {
		t.Fatalf("unbounded session must hit the step bound, got %v", err)
	}
	if len(ft.clicks) > maxGuidedSteps {
		t.Errorf("issued %d clicks, bound is %d", len(ft.clicks), maxGuidedSteps)
	}
}

func TestGuidedSession_UnknownActionRejected(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	planner := &scriptedPlanner{actions: []GuidedAction{{Action: "download_everything"}}}

	e := guidedTestEngine(ft)
	_, err := e.GuidedSession(context.Background(), "browser", guidedDef(),
		"https://example-people.com/x", "objective", planner,
		func(s string) string { return s })
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("unknown action must be rejected, got %v", err)
	}
}
