package llmrouter

import (
	"context"
	"sort"

	"github.com/scrubline/scrubline/core/apperr"
)

// RoutingPreference narrows or widens which providers a task may be sent
// to, per spec.md §4.4.
type RoutingPreference string

const (
	// LocalOnly never sends a task to a non-local provider.
	LocalOnly RoutingPreference = "local_only"
	// PreferLocal sends to a local provider when available, falling back
	// to a cloud provider only for tasks in CloudAllowedTasks.
	PreferLocal RoutingPreference = "prefer_local"
	// BestAvailable picks the most capable candidate regardless of
	// locality, subject to the PII filter requirement.
	BestAvailable RoutingPreference = "best_available"
)

// RouteRequest is a single routing decision's input.
type RouteRequest struct {
	Task              TaskType
	Preference        RoutingPreference
	CloudAllowedTasks map[TaskType]bool // only consulted for PreferLocal
	Messages          []Message
	Fields            ProfileFields // the caller's unlocked profile view, scope-bounded
	Strategy          FilterStrategy
	NeedsVision       bool
	NeedsToolUse      bool
	NeedsStructured   bool
}

// RouteResult is what Router.Route returns on success.
type RouteResult struct {
	ProviderName string
	Response     *Response
	// RestoredContent is Response.Content with any Tokenize tokens
	// replaced by their originals. Equals Response.Content unless the
	// request used StrategyTokenize.
	RestoredContent string
}

// Router selects a provider for a task and, when the provider is
// non-local, routes the prompt through the PII filter first and the
// detokenizer afterward. It never lets an unfiltered prompt reach a
// non-local provider: RequiresFilter(task) is checked unconditionally,
// not only when the caller remembers to ask.
type Router struct {
	providers []Provider
	detector  *Detector
	filter    *Filter
}

// Option configures a Router.
type Option func(*Router)

// WithProviders sets the candidate provider list. Order does not matter;
// selection is driven entirely by RouteRequest and each Capabilities.
func WithProviders(providers ...Provider) Option {
	return func(r *Router) { r.providers = providers }
}

// WithDetector overrides the default Detector (e.g. to supply a specific
// HMAC key for HashOnly comparisons).
func WithDetector(d *Detector) Option {
	return func(r *Router) { r.detector = d }
}

// New creates a Router.
func New(opts ...Option) *Router {
	r := &Router{detector: NewDetector(nil), filter: NewFilter()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route classifies req.Task, selects the most specific candidate provider,
// applies the PII filter if the provider is non-local, sends the request,
// validates the output, and restores any tokens before returning.
func (r *Router) Route(ctx context.Context, req RouteRequest) (*RouteResult, error) {
	provider, err := r.selectProvider(req)
	if err != nil {
		return nil, err
	}

	messages := req.Messages
	var tokens *TokenMap

	if !provider.Capabilities().IsLocal && RequiresFilter(req.Task) {
		strategy := req.Strategy
		if strategy == "" {
			strategy = StrategyTokenize
		}
		filtered, err := r.filterMessages(strategy, messages, req.Fields)
		if err != nil {
			return nil, err
		}
		messages = filtered.messages
		tokens = filtered.tokens
	}

	resp, err := provider.Complete(ctx, messages)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "provider completion failed", err).WithRetryable(true)
	}

	if err := ValidateLength(resp.Content, req.Task); err != nil {
		return nil, err
	}

	restored := resp.Content
	var sanctioned []string
	if tokens != nil {
		restored = tokens.Detokenize(resp.Content)
		sanctioned = tokens.OriginalSpans()
		tokens.Clear()
	}

	if !provider.Capabilities().IsLocal {
		if err := ValidateNoLeakedPII(r.detector, restored, req.Fields, sanctioned); err != nil {
			return nil, err
		}
	}

	return &RouteResult{ProviderName: provider.Name(), Response: resp, RestoredContent: restored}, nil
}

type filteredMessages struct {
	messages []Message
	tokens   *TokenMap
}

func (r *Router) filterMessages(strategy FilterStrategy, messages []Message, fields ProfileFields) (filteredMessages, error) {
	out := make([]Message, len(messages))
	var tokens *TokenMap

	for i, m := range messages {
		spans := r.detector.Detect(m.Content, fields)
		result, err := r.filter.Apply(strategy, m.Content, spans)
		if err != nil {
			return filteredMessages{}, err
		}
		out[i] = Message{Role: m.Role, Content: result.Text}
		if result.Tokens != nil {
			tokens = result.Tokens // one bijection shared across the whole request
		}
	}
	return filteredMessages{messages: out, tokens: tokens}, nil
}

// selectProvider narrows the candidate list by preference and required
// capabilities, then picks the most capable remaining candidate — the one
// reporting the largest MaxContext, breaking ties by provider name for
// determinism.
func (r *Router) selectProvider(req RouteRequest) (Provider, error) {
	var candidates []Provider
	for _, p := range r.providers {
		caps := p.Capabilities()
		if req.NeedsVision && !caps.Vision {
			continue
		}
		if req.NeedsToolUse && !caps.ToolUse {
			continue
		}
		if req.NeedsStructured && !caps.StructuredOutput {
			continue
		}

		switch req.Preference {
		case LocalOnly:
			if !caps.IsLocal {
				continue
			}
		case PreferLocal:
			if !caps.IsLocal && !req.CloudAllowedTasks[req.Task] {
				continue
			}
		case BestAvailable:
			// no locality restriction
		}
		candidates = append(candidates, p)
	}

	if len(candidates) == 0 {
		return nil, apperr.New(apperr.KindPolicyViolation, "no provider satisfies the routing preference and capability requirements")
	}

	if req.Preference == PreferLocal {
		sort.SliceStable(candidates, func(i, j int) bool {
			li, lj := candidates[i].Capabilities().IsLocal, candidates[j].Capabilities().IsLocal
			if li != lj {
				return li // local candidates sort first
			}
			return candidates[i].Capabilities().MaxContext > candidates[j].Capabilities().MaxContext
		})
		return candidates[0], nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i].Capabilities(), candidates[j].Capabilities()
		if ci.MaxContext != cj.MaxContext {
			return ci.MaxContext > cj.MaxContext
		}
		return candidates[i].Name() < candidates[j].Name()
	})
	return candidates[0], nil
}
