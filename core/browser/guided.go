package browser

import (
	"context"
	"strconv"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/core/model"
)

// maxGuidedSteps bounds the action sequence of one guided session. The
// model proposes one action at a time; a session that hasn't stopped after
// this many steps is abandoned rather than allowed to wander.
const maxGuidedSteps = 12

// GuidedAction is a single step the planner proposes. Action values are a
// closed set; anything else is rejected before touching the page.
type GuidedAction struct {
	Action   string `json:"action" validate:"required,oneof=navigate click fill stop"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
	URL      string `json:"url,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ActionPlanner proposes the next action given the session objective and a
// sanitized textual abstraction of the current page. The LLM-backed
// implementation lives with the router; this engine never imports it,
// keeping the dependency a one-way edge the same way the vault treats its
// permission checker.
type ActionPlanner interface {
	NextAction(ctx context.Context, objective, pageAbstraction string) (GuidedAction, error)
}

// Sanitizer reduces raw page text to the abstraction the planner may see:
// no raw PII, only reversible tokens. The caller wires the PII filter's
// tokenizer here.
type Sanitizer func(pageText string) string

// SessionResult is the outcome of one guided session.
type SessionResult struct {
	Completed bool
	Steps     int
	FinalURL  string
	Reason    string
}

// GuidedSession drives a bounded, origin-confined automation session: the
// planner observes sanitized page abstractions and emits one action per
// step until it stops, the step bound is hit, or an action violates the
// broker's declared origin. Every proposed navigation target is checked
// against def.Origin before it is issued — the planner's output is treated
// as adversarial, never trusted to stay in bounds on its own.
func (e *Engine) GuidedSession(ctx context.Context, subject string, def model.BrokerDefinition, startURL, objective string, planner ActionPlanner, sanitize Sanitizer) (SessionResult, error) {
	if planner == nil || sanitize == nil {
		return SessionResult{}, apperr.New(apperr.KindValidation, "guided session requires a planner and a sanitizer")
	}

	if e.checker != nil {
		if err := e.checker.CheckBrowserAutomation(ctx, subject, originHost(def.Origin), "guided_session"); err != nil {
			return SessionResult{}, err
		}
	}
	if err := confineToOrigin(startURL, def.Origin); err != nil {
		return SessionResult{}, err
	}

	host := originHost(def.Origin)
	if err := e.limiter.Wait(ctx, host); err != nil {
		return SessionResult{}, err
	}

	t, err := e.openTransport(ctx, def.Origin)
	if err != nil {
		return SessionResult{}, err
	}
	defer t.Close()

	if err := t.Navigate(ctx, startURL); err != nil {
		return SessionResult{}, apperr.Wrap(apperr.KindIO, "navigating to session start", err).WithRetryable(true)
	}

	for step := 1; step <= maxGuidedSteps; step++ {
		if err := ctx.Err(); err != nil {
			return SessionResult{}, apperr.Wrap(apperr.KindCancelled, "guided session cancelled", err)
		}

		pageText, err := t.Eval(ctx, `document.body ? document.body.innerText : ""`)
		if err != nil {
			return SessionResult{}, apperr.Wrap(apperr.KindIO, "reading page text", err).WithRetryable(true)
		}

		action, err := planner.NextAction(ctx, objective, sanitize(pageText))
		if err != nil {
			return SessionResult{}, err
		}

		switch action.Action {
		case "stop":
			finalURL, _ := t.CurrentURL(ctx)
			return SessionResult{Completed: true, Steps: step, FinalURL: finalURL, Reason: action.Reason}, nil

		case "navigate":
			if err := confineToOrigin(action.URL, def.Origin); err != nil {
				return SessionResult{}, err
			}
			if err := e.limiter.Wait(ctx, host); err != nil {
				return SessionResult{}, err
			}
			if err := t.Navigate(ctx, action.URL); err != nil {
				return SessionResult{}, apperr.Wrap(apperr.KindIO, "guided navigation", err).WithRetryable(true)
			}

		case "click":
			if action.Selector == "" {
				return SessionResult{}, apperr.New(apperr.KindValidation, "click action requires a selector")
			}
			if err := t.Click(ctx, action.Selector); err != nil {
				return SessionResult{}, apperr.Wrap(apperr.KindIO, "guided click", err).WithRetryable(true)
			}
			// A click can navigate; re-check where the page landed.
			if u, err := t.CurrentURL(ctx); err == nil {
				if err := confineToOrigin(u, def.Origin); err != nil {
					return SessionResult{}, err
				}
			}

		case "fill":
			if action.Selector == "" {
				return SessionResult{}, apperr.New(apperr.KindValidation, "fill action requires a selector")
			}
			if err := t.Fill(ctx, action.Selector, action.Value); err != nil {
				return SessionResult{}, apperr.Wrap(apperr.KindIO, "guided fill", err).WithRetryable(true)
			}

		default:
			return SessionResult{}, apperr.New(apperr.KindValidation, "planner proposed an unknown action").
				WithField("action", action.Action)
		}
	}

	return SessionResult{}, apperr.New(apperr.KindPolicyViolation, "guided session exceeded its step bound").
		WithField("max_steps", strconv.Itoa(maxGuidedSteps))
}
