package gate

import (
	"context"
	"sync"
	"time"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/core/model"
	"github.com/scrubline/scrubline/pkg/clock"
)

// Decision is the outcome of a Check call.
type Decision string

const (
	DecisionAllowed     Decision = "allowed"
	DecisionDenied      Decision = "denied"
	DecisionNeedsPrompt Decision = "needs_prompt"
)

// defaultPromptTimeout is how long Check blocks awaiting a user decision
// before denying by default.
const defaultPromptTimeout = 120 * time.Second

// PromptDescriptor is handed to the shell for rendering when a grant
// request requires interactive confirmation.
type PromptDescriptor struct {
	ID      string
	Request GrantRequest
	Expires time.Time
}

// AuditSink receives an audit record for every guarded action.
type AuditSink interface {
	Record(ctx context.Context, rec model.AuditRecord)
}

// Prompter renders a PromptDescriptor to the user and is responsible for
// eventually calling Gate.Resolve with the user's decision.
type Prompter interface {
	Prompt(ctx context.Context, p PromptDescriptor)
}

// Gate holds the set of active grants and mediates every guarded action.
// It never widens a grant's subject match and revocation takes effect
// before the next Check call.
type Gate struct {
	mu         sync.RWMutex
	grants     []model.Permission
	deniedOnce map[string]bool // subject+kind key -> explicit prior denial is final

	clock         clock.Clock
	audit         AuditSink
	prompter      Prompter
	promptTimeout time.Duration

	pendingMu sync.Mutex
	pending   map[string]chan bool
}

// Option configures a Gate.
type Option func(*Gate)

func WithClock(c clock.Clock) Option           { return func(g *Gate) { g.clock = c } }
func WithAuditSink(a AuditSink) Option         { return func(g *Gate) { g.audit = a } }
func WithPrompter(p Prompter) Option           { return func(g *Gate) { g.prompter = p } }
func WithPromptTimeout(d time.Duration) Option { return func(g *Gate) { g.promptTimeout = d } }

// New creates an empty Gate.
func New(opts ...Option) *Gate {
	g := &Gate{
		deniedOnce:    make(map[string]bool),
		clock:         clock.NewReal(),
		promptTimeout: defaultPromptTimeout,
		pending:       make(map[string]chan bool),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Grant adds a permission to the active set.
func (g *Gate) Grant(p model.Permission) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants = append(g.grants, p)
	delete(g.deniedOnce, denialKey(p.Subject, p.Kind))
}

// Revoke removes a grant by ID. Revocation is immediate and idempotent: a
// second call for the same ID is a no-op.
func (g *Gate) Revoke(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, p := range g.grants {
		if p.ID.String() == id {
			g.grants = append(g.grants[:i], g.grants[i+1:]...)
			return
		}
	}
}

// Check evaluates req against the active grant set. The caller must not
// fall back silently on Denied.
func (g *Gate) Check(ctx context.Context, req GrantRequest) (Decision, error) {
	decision, err := g.evaluate(req)
	g.recordAudit(ctx, req, decision, err)

	if decision != DecisionNeedsPrompt {
		return decision, err
	}
	decision, err = g.awaitPrompt(ctx, req)
	g.recordAudit(ctx, req, decision, err)
	return decision, err
}

// CheckPIIRead implements vault.PermissionChecker.
func (g *Gate) CheckPIIRead(ctx context.Context, subject string, fields []string) (model.PIIAccessLevel, error) {
	decision, err := g.Check(ctx, GrantRequest{Subject: subject, Kind: model.GrantPiiRead, Fields: fields})
	if err != nil {
		return "", err
	}
	if decision != DecisionAllowed {
		return "", apperr.New(apperr.KindPermissionDenied, "pii read not granted")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, p := range g.grants {
		if grantMatches(p, GrantRequest{Subject: subject, Kind: model.GrantPiiRead, Fields: fields}) && grantLive(p, g.clock.Now()) {
			return p.AccessLevel, nil
		}
	}
	return model.AccessReadFull, nil
}

func (g *Gate) evaluate(req GrantRequest) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := denialKey(req.Subject, req.Kind)
	now := g.clock.Now()

	for i := range g.grants {
		p := &g.grants[i]
		if !grantMatches(*p, req) || !grantLive(*p, now) {
			continue
		}
		p.LastUsedAt = &now
		p.UseCount++
		return DecisionAllowed, nil
	}

	if g.deniedOnce[key] {
		return DecisionDenied, apperr.New(apperr.KindPermissionDenied, "grant previously denied; not re-prompted")
	}

	if g.prompter != nil {
		return DecisionNeedsPrompt, nil
	}

	return DecisionDenied, apperr.New(apperr.KindPermissionDenied, "no matching grant")
}

// awaitPrompt registers a one-shot decision channel, asks the prompter to
// render it, and blocks until a decision arrives, the context is cancelled,
// or the timeout elapses — all of which deny by default.
func (g *Gate) awaitPrompt(ctx context.Context, req GrantRequest) (Decision, error) {
	promptID := newGrantID().String()
	ch := make(chan bool, 1)

	g.pendingMu.Lock()
	g.pending[promptID] = ch
	g.pendingMu.Unlock()

	defer func() {
		g.pendingMu.Lock()
		delete(g.pending, promptID)
		g.pendingMu.Unlock()
	}()

	desc := PromptDescriptor{ID: promptID, Request: req, Expires: g.clock.Now().Add(g.promptTimeout)}
	g.prompter.Prompt(ctx, desc)

	timeout := g.clock.After(g.promptTimeout)
	select {
	case approved := <-ch:
		if approved {
			return DecisionAllowed, nil
		}
		g.recordDenialOnce(req)
		return DecisionDenied, apperr.New(apperr.KindPermissionDenied, "user denied the request")
	case <-timeout:
		return DecisionDenied, apperr.New(apperr.KindPermissionDenied, "prompt timed out; denied by default")
	case <-ctx.Done():
		return DecisionDenied, apperr.Wrap(apperr.KindCancelled, "prompt cancelled", ctx.Err())
	}
}

// Resolve delivers a user decision for a pending prompt. No-op if the
// promptID is unknown (already timed out or resolved).
func (g *Gate) Resolve(promptID string, approved bool) {
	g.pendingMu.Lock()
	ch, ok := g.pending[promptID]
	g.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- approved:
	default:
	}
}

func (g *Gate) recordDenialOnce(req GrantRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deniedOnce[denialKey(req.Subject, req.Kind)] = true
}

func (g *Gate) recordAudit(ctx context.Context, req GrantRequest, decision Decision, err error) {
	if g.audit == nil {
		return
	}
	outcome := model.AuditSuccess
	errCode := ""
	switch decision {
	case DecisionDenied:
		outcome = model.AuditDenied
	case DecisionNeedsPrompt:
		return // audited by Check once the prompt resolves
	}
	if err != nil {
		errCode = string(apperr.KindOf(err))
	}
	g.audit.Record(ctx, model.AuditRecord{
		ID:        model.NewID(),
		Timestamp: g.clock.Now(),
		Subject:   req.Subject,
		Action:    string(req.Kind),
		FieldRefs: req.Fields,
		Outcome:   outcome,
		ErrorCode: errCode,
	})
}

func denialKey(subject string, kind model.GrantKind) string {
	return subject + "|" + string(kind)
}
