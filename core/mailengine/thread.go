package mailengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/core/llmrouter"
	"github.com/scrubline/scrubline/core/model"
	"github.com/scrubline/scrubline/pkg/clock"
)

// allowedTransitions is the fixed thread state machine. Terminal states
// (Confirmed, AwaitingUser, ReplyLimitReached) have no outgoing edges.
var allowedTransitions = map[model.ThreadStatus][]model.ThreadStatus{
	model.ThreadDraftReady: {model.ThreadSent, model.ThreadAwaitingUser},
	model.ThreadSent: {model.ThreadResponseReceived, model.ThreadConfirmed,
		model.ThreadAwaitingUser, model.ThreadReplyLimitReached},
	model.ThreadResponseReceived: {model.ThreadReplyPending, model.ThreadConfirmed,
		model.ThreadEscalate, model.ThreadAwaitingUser, model.ThreadReplyLimitReached},
	model.ThreadReplyPending: {model.ThreadSent, model.ThreadAwaitingUser,
		model.ThreadReplyLimitReached},
	model.ThreadEscalate: {model.ThreadSent, model.ThreadAwaitingUser},
}

func transition(t *model.EmailThread, to model.ThreadStatus) error {
	for _, ok := range allowedTransitions[t.Status] {
		if ok == to {
			t.Status = to
			return nil
		}
	}
	return apperr.New(apperr.KindConflict, "thread transition not permitted").
		WithField("from", string(t.Status)).WithField("to", string(to))
}

// DeferredError reports that an outbound send exceeds the current global
// budget window and must be retried no earlier than NotBefore. The send is
// queued, never dropped.
type DeferredError struct {
	NotBefore time.Time
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("outbound send deferred until %s by the global mail budget", e.NotBefore.Format(time.RFC3339))
}

// LLMRouter is the narrow slice of core/llmrouter the mail engine uses.
type LLMRouter interface {
	Route(ctx context.Context, req llmrouter.RouteRequest) (*llmrouter.RouteResult, error)
}

// BodySealer encrypts a message body for at-rest storage; core/vault's
// SealField satisfies it.
type BodySealer interface {
	SealField(recordID, fieldName string, plaintext []byte) (model.Sealed, error)
}

// Engine drives email threads through their state machine: drafting,
// sending, ingesting replies through the classification safety pipeline,
// and enforcing every budget level before anything consumes an LLM call or
// leaves the machine.
type Engine struct {
	clock   clock.Clock
	router  LLMRouter
	sender  Sender
	global  *GlobalBudget
	sealer  BodySealer
	logger  *slog.Logger
	pref    llmrouter.RoutingPreference
	onState func(model.EmailThread)
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }
func WithRouter(r LLMRouter) Option  { return func(e *Engine) { e.router = r } }
func WithSender(s Sender) Option     { return func(e *Engine) { e.sender = s } }

func WithGlobalBudget(g *GlobalBudget) Option {
	return func(e *Engine) { e.global = g }
}

func WithBodySealer(s BodySealer) Option { return func(e *Engine) { e.sealer = s } }
func WithLogger(l *slog.Logger) Option   { return func(e *Engine) { e.logger = l } }

// WithRoutingPreference sets the preference used for classification and
// drafting calls. Defaults to LocalOnly.
func WithRoutingPreference(p llmrouter.RoutingPreference) Option {
	return func(e *Engine) { e.pref = p }
}

// WithStatusHook registers a callback invoked after every thread status
// change, used by the orchestrator to publish thread.status_changed.
func WithStatusHook(fn func(model.EmailThread)) Option {
	return func(e *Engine) { e.onState = fn }
}

// New creates an Engine. Without a router it runs static-only: every
// inbound message that would need classification goes to the user.
func New(opts ...Option) *Engine {
	e := &Engine{
		clock:  clock.NewReal(),
		global: NewGlobalBudget(PresetBalanced),
		logger: slog.Default(),
		pref:   llmrouter.LocalOnly,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewThread creates a thread for attempt. A RemovalAttempt has at most one
// live thread: if prior is non-nil and not terminal, creation is refused.
func (e *Engine) NewThread(attempt model.RemovalAttempt, prior *model.EmailThread) (model.EmailThread, error) {
	if prior != nil && !prior.Status.Terminal() {
		return model.EmailThread{}, apperr.New(apperr.KindConflict,
			"removal attempt already has a live thread").WithField("thread_id", prior.ID.String())
	}
	now := e.clock.Now()
	return model.EmailThread{
		ID:               model.NewID(),
		RemovalAttemptID: attempt.ID,
		Status:           model.ThreadDraftReady,
		Budget:           NewThreadBudget(now),
		CreatedAt:        now,
	}, nil
}

// Deliver sends msg on thread's behalf and records it. It reserves a
// global budget slot first; if the window is full the reservation is
// cancelled and a DeferredError carries the earliest permitted send time
// so the caller requeues rather than drops. Non-auto sends (user-approved
// drafts in Draft or SmtpOnly mode) bypass the automated-mail caps.
func (e *Engine) Deliver(ctx context.Context, thread *model.EmailThread, msg OutboundMessage, auto bool) error {
	if e.sender == nil {
		return apperr.New(apperr.KindValidation, "mail engine has no sender configured")
	}
	now := e.clock.Now()

	if auto {
		delay, err := e.global.Reserve(now)
		if err != nil {
			return err
		}
		if delay > 0 {
			return &DeferredError{NotBefore: now.Add(delay)}
		}
	}

	if err := e.sender.Send(ctx, msg); err != nil {
		return err
	}

	tokens := 0
	if auto {
		tokens, _ = llmrouter.EstimateTokens(msg.Body)
	}
	e.appendMessage(thread, model.ThreadMessage{
		ID:               model.NewID(),
		Direction:        model.DirectionOutbound,
		Timestamp:        now,
		ToAddress:        msg.To,
		Subject:          msg.Subject,
		WasAutoGenerated: auto,
		UserApproved:     !auto,
		TokenCount:       tokens,
	}, msg.Body)

	if auto {
		SpendAutoReply(&thread.Budget, now)
	}
	// A terminal thread's final static template (budget-exhausted reply)
	// is recorded without a further transition.
	if !thread.Status.Terminal() {
		if err := transition(thread, model.ThreadSent); err != nil {
			return err
		}
	}
	e.notify(*thread)
	return nil
}

// SendOverdueFollowUp renders the static overdue follow-up template — the
// L2 LegalEmail rung of the escalation ladder — and sends it to the
// broker's removal contact. The message cites the applicable regulation
// from params and is never LLM-generated. It counts against the global
// automated-mail caps; a full window returns a DeferredError so the caller
// requeues rather than drops.
func (e *Engine) SendOverdueFollowUp(ctx context.Context, to string, params TemplateParams) error {
	if e.sender == nil {
		return apperr.New(apperr.KindValidation, "mail engine has no sender configured")
	}
	body, err := RenderTemplate(TemplateOverdueFollowUp, params)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	delay, err := e.global.Reserve(now)
	if err != nil {
		return err
	}
	if delay > 0 {
		return &DeferredError{NotBefore: now.Add(delay)}
	}

	return e.sender.Send(ctx, OutboundMessage{
		To:      to,
		Subject: "Overdue data deletion request: " + params.BrokerName,
		Body:    body,
	})
}

// InboundResult is what ProcessInbound decided. When Reply is non-nil the
// caller delivers it (typically as a scheduler mail-send task) via Deliver.
type InboundResult struct {
	Classification model.Classification
	StatusAfter    model.ThreadStatus
	Reply          *OutboundMessage
	// ReplyNotBefore is the earliest time Reply may be delivered, honoring
	// the minimum auto-reply spacing. The caller schedules the send task
	// with this as its NotBefore.
	ReplyNotBefore time.Time
	LLMCalled      bool
	SafetyFlags    []string
}

// ProcessInbound runs the classification safety pipeline over one inbound
// message and advances the thread: pre-process (injection short-circuit),
// budget-checked LLM classification, post-process validation, and the
// state transition the classification dictates. Classification failures
// default to Unknown and route to the user — never to Confirmation.
func (e *Engine) ProcessInbound(ctx context.Context, thread *model.EmailThread, in InboundMessage, fields llmrouter.ProfileFields, params TemplateParams) (InboundResult, error) {
	if thread.Status.Terminal() {
		return InboundResult{}, apperr.New(apperr.KindConflict, "thread is terminal")
	}
	now := e.clock.Now()

	pre := Preprocess(in.Body)

	if err := transition(thread, model.ThreadResponseReceived); err != nil {
		return InboundResult{}, err
	}

	// Injection indicators short-circuit before any LLM spend.
	if pre.Suspicious() {
		e.appendMessage(thread, model.ThreadMessage{
			ID:             model.NewID(),
			Direction:      model.DirectionInbound,
			Timestamp:      now,
			FromAddress:    in.From,
			Subject:        in.Subject,
			Classification: model.ClassificationSuspicious,
			SafetyFlags:    pre.RiskIndicators,
		}, in.Body)
		if err := transition(thread, model.ThreadAwaitingUser); err != nil {
			return InboundResult{}, err
		}
		e.notify(*thread)
		return InboundResult{
			Classification: model.ClassificationSuspicious,
			StatusAfter:    thread.Status,
			SafetyFlags:    pre.RiskIndicators,
		}, nil
	}

	classification, draft, llmCalled := e.classify(ctx, thread, pre, fields, now)

	e.appendMessage(thread, model.ThreadMessage{
		ID:             model.NewID(),
		Direction:      model.DirectionInbound,
		Timestamp:      now,
		FromAddress:    in.From,
		Subject:        in.Subject,
		Classification: classification,
	}, in.Body)

	result := InboundResult{Classification: classification, LLMCalled: llmCalled}

	switch classification {
	case model.ClassificationConfirmation:
		if err := transition(thread, model.ThreadConfirmed); err != nil {
			return InboundResult{}, err
		}

	case model.ClassificationRejection:
		if err := transition(thread, model.ThreadEscalate); err != nil {
			return InboundResult{}, err
		}

	case model.ClassificationClarifying:
		reply, err := e.prepareAutoReply(thread, draft, fields, in, params, now)
		if err != nil {
			return InboundResult{}, err
		}
		result.Reply = reply
		if reply != nil {
			result.ReplyNotBefore = thread.Budget.NextReplyAllowedAt
		}

	case model.ClassificationIdentityVerification:
		reply, err := e.prepareStaticReply(thread, TemplateIdentityVerification, in, params, now)
		if err != nil {
			return InboundResult{}, err
		}
		result.Reply = reply
		if reply != nil {
			result.ReplyNotBefore = thread.Budget.NextReplyAllowedAt
		}

	case model.ClassificationExcessivePII:
		reply, err := e.prepareStaticReply(thread, TemplateExcessivePIIRequest, in, params, now)
		if err != nil {
			return InboundResult{}, err
		}
		result.Reply = reply
		if reply != nil {
			result.ReplyNotBefore = thread.Budget.NextReplyAllowedAt
		}

	default: // Suspicious from the model, Unknown, or any failure
		if err := transition(thread, model.ThreadAwaitingUser); err != nil {
			return InboundResult{}, err
		}
	}

	result.StatusAfter = thread.Status
	e.notify(*thread)
	return result, nil
}

// classify spends one budgeted LLM call to classify the message. Any
// failure — no router, budget exhausted, transport error, schema
// violation — yields Unknown, which routes to the user.
func (e *Engine) classify(ctx context.Context, thread *model.EmailThread, pre PreprocessResult, fields llmrouter.ProfileFields, now time.Time) (model.Classification, string, bool) {
	if e.router == nil {
		return model.ClassificationUnknown, "", false
	}

	estimate, err := llmrouter.EstimateTokens(pre.Text)
	if err != nil {
		estimate = len(pre.Text) / 4
	}
	if err := CheckLLMBudget(thread.Budget, now, estimate); err != nil {
		e.logger.Info("classification skipped", "thread", thread.ID, "reason", err)
		return model.ClassificationUnknown, "", false
	}

	res, err := e.router.Route(ctx, llmrouter.RouteRequest{
		Task:       llmrouter.TaskClassifyReply,
		Preference: e.pref,
		Messages: []llmrouter.Message{
			{Role: llmrouter.RoleSystem, Content: llmrouter.SystemPrompt(llmrouter.TaskClassifyReply)},
			{Role: llmrouter.RoleUser, Content: pre.Text},
		},
		Fields:          fields,
		NeedsStructured: true,
	})
	spent := estimate
	if err == nil && res.Response != nil {
		spent = res.Response.PromptTokens + res.Response.CompletionTokens
	}
	SpendLLMCall(&thread.Budget, spent)

	if err != nil {
		e.logger.Warn("classification call failed", "thread", thread.ID, "err", err)
		return model.ClassificationUnknown, "", true
	}

	var out ClassifyOutput
	if err := llmrouter.ValidateStructuredOutput(res.RestoredContent, &out); err != nil {
		e.logger.Warn("classification output rejected", "thread", thread.ID, "err", err)
		return model.ClassificationUnknown, "", true
	}

	return model.Classification(out.Classification), out.Draft, true
}

// prepareAutoReply validates the draft a clarifying question earned and
// returns it for delivery, or — when the reply budget is exhausted —
// terminates the thread with the static budget-exhausted template.
func (e *Engine) prepareAutoReply(thread *model.EmailThread, draft string, fields llmrouter.ProfileFields, in InboundMessage, params TemplateParams, now time.Time) (*OutboundMessage, error) {
	if thread.Budget.AutoRepliesRemaining <= 0 || !now.Before(thread.Budget.ThreadExpiresAt) {
		return e.exhaustBudget(thread, in, params)
	}

	if draft == "" {
		return nil, e.awaitUser(thread)
	}
	if len(draft) > maxDraftChars {
		e.logger.Warn("draft rejected: exceeds length bound", "thread", thread.ID, "len", len(draft))
		return nil, e.awaitUser(thread)
	}
	// PII-leak check against the original-request PII set: the draft may
	// only contain PII the sanctioned request already disclosed. Here the
	// sanctioned set is empty — a classification request never discloses
	// PII — so any profile PII in the draft rejects it.
	detector := llmrouter.NewDetector(nil)
	if err := llmrouter.ValidateNoLeakedPII(detector, draft, fields, nil); err != nil {
		e.logger.Warn("draft rejected: PII leak", "thread", thread.ID)
		return nil, e.awaitUser(thread)
	}

	if err := transition(thread, model.ThreadReplyPending); err != nil {
		return nil, err
	}
	return &OutboundMessage{
		To:      in.From,
		Subject: "Re: " + in.Subject,
		Body:    draft,
	}, nil
}

// prepareStaticReply answers an identity-verification or excessive-PII
// demand with its hard-coded template. Static templates never contain
// profile PII, so no leak check applies; the reply still spends an
// auto-reply slot and honors the spacing budget like any other.
func (e *Engine) prepareStaticReply(thread *model.EmailThread, kind TemplateKind, in InboundMessage, params TemplateParams, now time.Time) (*OutboundMessage, error) {
	if thread.Budget.AutoRepliesRemaining <= 0 || !now.Before(thread.Budget.ThreadExpiresAt) {
		return e.exhaustBudget(thread, in, params)
	}

	body, err := RenderTemplate(kind, params)
	if err != nil {
		return nil, err
	}
	if err := transition(thread, model.ThreadReplyPending); err != nil {
		return nil, err
	}
	return &OutboundMessage{To: in.From, Subject: "Re: " + in.Subject, Body: body}, nil
}

// exhaustBudget terminates the thread with the static budget-exhausted
// template. The template reply itself is the thread's final outbound
// message and is never LLM-generated.
func (e *Engine) exhaustBudget(thread *model.EmailThread, in InboundMessage, params TemplateParams) (*OutboundMessage, error) {
	body, err := RenderTemplate(TemplateBudgetExhausted, params)
	if err != nil {
		return nil, err
	}
	if err := transition(thread, model.ThreadReplyLimitReached); err != nil {
		return nil, err
	}
	return &OutboundMessage{To: in.From, Subject: "Re: " + in.Subject, Body: body}, nil
}

func (e *Engine) awaitUser(thread *model.EmailThread) error {
	return transition(thread, model.ThreadAwaitingUser)
}

// appendMessage records a message on the thread, sealing the body when a
// sealer is configured. The plaintext body is never retained on the
// message record.
func (e *Engine) appendMessage(thread *model.EmailThread, msg model.ThreadMessage, body string) {
	if e.sealer != nil {
		sealed, err := e.sealer.SealField(msg.ID.String(), "body", []byte(body))
		if err != nil {
			e.logger.Error("sealing message body", "message", msg.ID, "err", err)
		} else {
			msg.Body = sealed
		}
	}
	thread.Messages = append(thread.Messages, msg)
}

func (e *Engine) notify(t model.EmailThread) {
	if e.onState != nil {
		e.onState(t)
	}
}
