// Package orchestrator is the top-level coordinator (C10). It observes the
// other components over the typed event bus — it holds receivers, never a
// reference into another component — and derives append-only insights that
// the user acknowledges. Insights never cause side effects on their own.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/core/mailengine"
	"github.com/scrubline/scrubline/core/model"
	"github.com/scrubline/scrubline/core/verification"
	"github.com/scrubline/scrubline/pkg/clock"
	"github.com/scrubline/scrubline/pkg/events"
)

// Topics carried on the event bus. Components publish; the orchestrator
// and the shell subscribe.
const (
	TopicScanStarted       events.Topic = "scan.started"
	TopicScanResult        events.Topic = "scan.result"
	TopicRemovalSubmitted  events.Topic = "removal.submitted"
	TopicRemovalConfirmed  events.Topic = "removal.confirmed"
	TopicRemovalReappeared events.Topic = "removal.reappeared"
	TopicVerifyOverdue     events.Topic = "verification.overdue"
	TopicThreadStatus      events.Topic = "thread.status_changed"
	TopicPermissionGranted events.Topic = "permission.granted"
	TopicPermissionDenied  events.Topic = "permission.denied"
)

// Event payloads. Kept to identifiers and public facts; no payload ever
// carries plaintext PII. The verification.overdue topic carries the
// publishing engine's own verification.OverdueEvent.
type (
	ScanResultEvent struct {
		Result model.ScanResult
	}
	RemovalEvent struct {
		Attempt model.RemovalAttempt
	}
	ReappearanceEvent struct {
		Attempt model.RemovalAttempt
		Count   int
	}
	ThreadStatusEvent struct {
		ThreadID uuid.UUID
		Status   model.ThreadStatus
	}
)

// EscalationMailer dispatches the L2 legal follow-up; the mail engine's
// SendOverdueFollowUp satisfies it.
type EscalationMailer interface {
	SendOverdueFollowUp(ctx context.Context, to string, params mailengine.TemplateParams) error
}

// Resubmitter replays a removal attempt's original method — the L1 rung,
// the only one that runs without asking. The scheduler glue that submits
// removal tasks satisfies it.
type Resubmitter interface {
	ResubmitRemoval(attemptID uuid.UUID)
}

// InsightStore persists insights; the vault's insights table backs the
// production implementation.
type InsightStore interface {
	PutInsight(ins model.Insight) error
}

// Orchestrator consumes component events and maintains derived state:
// per-broker effectiveness tallies, reappearance correlations, and
// newly-discovered brokers. It is passive — it produces insights and
// re-publishes nothing.
type Orchestrator struct {
	bus         *events.Bus
	store       InsightStore
	clock       clock.Clock
	logger      *slog.Logger
	mailer      EscalationMailer
	resubmitter Resubmitter

	mu        sync.Mutex
	insights  []model.Insight
	tallies   map[string]*brokerTally
	seenPairs map[string]int // (profile|broker) reappearance totals
	pending   map[uuid.UUID]verification.OverdueEvent
}

type brokerTally struct {
	submitted  int
	confirmed  int
	reappeared int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option         { return func(o *Orchestrator) { o.clock = c } }
func WithInsightStore(s InsightStore) Option { return func(o *Orchestrator) { o.store = s } }
func WithLogger(l *slog.Logger) Option       { return func(o *Orchestrator) { o.logger = l } }

// WithEscalationMailer wires the L2 legal-email dispatch.
func WithEscalationMailer(m EscalationMailer) Option {
	return func(o *Orchestrator) { o.mailer = m }
}

// WithResubmitter wires the L1 automatic resubmission.
func WithResubmitter(r Resubmitter) Option {
	return func(o *Orchestrator) { o.resubmitter = r }
}

// New creates an Orchestrator over bus.
func New(bus *events.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bus:       bus,
		clock:     clock.NewReal(),
		logger:    slog.Default(),
		tallies:   make(map[string]*brokerTally),
		seenPairs: make(map[string]int),
		pending:   make(map[uuid.UUID]verification.OverdueEvent),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run subscribes to every removal-pipeline topic and processes events
// until ctx is cancelled. Per-topic FIFO delivery is the bus's guarantee;
// the orchestrator adds no cross-topic ordering of its own.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub := o.bus.Subscribe(
		TopicScanResult,
		TopicRemovalSubmitted,
		TopicRemovalConfirmed,
		TopicRemovalReappeared,
		TopicVerifyOverdue,
		TopicThreadStatus,
	)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindCancelled, "orchestrator stopped", ctx.Err())
		case ev := <-sub.C():
			o.handle(ev)
		}
	}
}

func (o *Orchestrator) handle(ev events.Event) {
	switch ev.Topic {
	case TopicScanResult:
		if p, ok := ev.Payload.(ScanResultEvent); ok {
			o.onScanResult(p.Result)
		}
	case TopicRemovalSubmitted:
		if p, ok := ev.Payload.(RemovalEvent); ok {
			o.mu.Lock()
			o.tally(p.Attempt.BrokerID).submitted++
			o.mu.Unlock()
		}
	case TopicRemovalConfirmed:
		if p, ok := ev.Payload.(RemovalEvent); ok {
			o.onConfirmed(p.Attempt)
		}
	case TopicRemovalReappeared:
		if p, ok := ev.Payload.(ReappearanceEvent); ok {
			o.onReappeared(p)
		}
	case TopicVerifyOverdue:
		if p, ok := ev.Payload.(verification.OverdueEvent); ok {
			o.onOverdue(p)
		}
	case TopicThreadStatus:
		// Observed for completeness; thread state feeds no insight yet.
	}
}

func (o *Orchestrator) tally(brokerID string) *brokerTally {
	t, ok := o.tallies[brokerID]
	if !ok {
		t = &brokerTally{}
		o.tallies[brokerID] = t
	}
	return t
}

// Insights returns a snapshot of all derived insights, unacknowledged
// first.
func (o *Orchestrator) Insights() []model.Insight {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Insight, len(o.insights))
	copy(out, o.insights)
	sort.SliceStable(out, func(i, j int) bool { return !out[i].Acknowledged && out[j].Acknowledged })
	return out
}

// ConfirmEscalation runs a pending L2 escalation after the user's explicit
// confirmation: it renders and dispatches the static legal follow-up to
// contactEmail, citing the regulation snapshotted on the attempt. A
// pending L3 escalation is consumed without sending anything — filing the
// regulatory complaint stays with the user. Unknown attempt IDs conflict.
func (o *Orchestrator) ConfirmEscalation(ctx context.Context, attemptID uuid.UUID, contactEmail string) error {
	o.mu.Lock()
	ev, ok := o.pending[attemptID]
	if ok {
		delete(o.pending, attemptID)
	}
	o.mu.Unlock()

	if !ok {
		return apperr.New(apperr.KindConflict, "no pending escalation for this attempt")
	}
	if ev.Level != verification.LevelLegalEmail {
		return nil
	}
	if o.mailer == nil {
		return apperr.New(apperr.KindValidation, "no escalation mailer configured")
	}

	return o.mailer.SendOverdueFollowUp(ctx, contactEmail, mailengine.TemplateParams{
		BrokerName:         ev.Attempt.BrokerID,
		OriginalDate:       ev.Attempt.CreatedAt,
		RegulationCitation: ev.Regulation.Citation,
		DaysOverdue:        ev.DaysOverdue,
	})
}

// Acknowledge marks an insight as seen by the user. Idempotent; the
// insight itself is append-only and never deleted.
func (o *Orchestrator) Acknowledge(id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.insights {
		if o.insights[i].ID == id {
			o.insights[i].Acknowledged = true
			return nil
		}
	}
	return apperr.New(apperr.KindValidation, "unknown insight id")
}
