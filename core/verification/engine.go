package verification

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/core/model"
	"github.com/scrubline/scrubline/pkg/clock"
	"github.com/scrubline/scrubline/pkg/events"
)

// TopicOverdue is the topic overdue removals are announced on. The
// orchestrator subscribes; this engine only holds a publisher handle.
const TopicOverdue events.Topic = "verification.overdue"

// OverdueEvent is the payload published on TopicOverdue for each overdue
// check result. It carries everything the escalation ladder's handlers
// need: the rung to offer, the regulation to cite, and how late the broker
// is.
type OverdueEvent struct {
	Attempt     model.RemovalAttempt
	Level       EscalationLevel
	Regulation  Regulation
	DaysOverdue int
}

// Publisher is the narrow slice of the event bus the engine publishes on.
type Publisher interface {
	Publish(topic events.Topic, payload any) int
}

// CheckType is how a scheduled verification probes the broker.
type CheckType string

const (
	CheckWebScan CheckType = "web_scan"
	CheckEmail   CheckType = "email_check"
)

// ScheduledCheck is one future verification probe for a RemovalAttempt.
type ScheduledCheck struct {
	ID               uuid.UUID `json:"id"`
	RemovalAttemptID uuid.UUID `json:"removal_attempt_id"`
	DueAt            time.Time `json:"due_at"`
	Type             CheckType `json:"type"`
	// AtDeadline marks the check scheduled exactly at the SLA deadline; a
	// listing still present at this check makes the attempt overdue.
	AtDeadline bool `json:"at_deadline"`
}

// EscalationLevel is a rung on the overdue ladder.
type EscalationLevel int

const (
	// LevelResubmit replays the original removal method. The only rung
	// that runs without explicit user confirmation.
	LevelResubmit EscalationLevel = 1
	// LevelLegalEmail sends a static templated message citing the
	// applicable regulation.
	LevelLegalEmail EscalationLevel = 2
	// LevelManualEscalation surfaces a regulatory-complaint option to the
	// user. Never auto-files.
	LevelManualEscalation EscalationLevel = 3
)

// ScheduleStore persists scheduled checks; the vault's
// verification_schedules table backs the production implementation.
type ScheduleStore interface {
	PutCheck(c ScheduledCheck) error
}

// defaultRecheckInterval is how often a confirmed removal is re-scanned
// for reappearance.
const defaultRecheckInterval = 30 * 24 * time.Hour

// Engine computes verification timelines, enforces the confirmed-removal
// invariant, and detects reappearance via a fingerprint index of confirmed
// (profile, broker) pairs — the same fingerprint-indexed shape a baseline
// store uses for previously-seen entries.
type Engine struct {
	clock     clock.Clock
	store     ScheduleStore
	publisher Publisher
	logger    *slog.Logger

	recheckInterval time.Duration

	mu           sync.Mutex
	confirmed    map[string]uuid.UUID // fingerprint -> attempt that confirmed it
	reappearance map[string]int       // fingerprint -> reappearance count
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithScheduleStore(s ScheduleStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithPublisher wires the event bus overdue checks are announced on.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithRecheckInterval overrides the periodic reappearance re-scan cadence.
func WithRecheckInterval(d time.Duration) Option {
	return func(e *Engine) { e.recheckInterval = d }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		clock:           clock.NewReal(),
		logger:          slog.Default(),
		recheckInterval: defaultRecheckInterval,
		confirmed:       make(map[string]uuid.UUID),
		reappearance:    make(map[string]int),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// fingerprint indexes a removal by its (profile, broker) pair.
func fingerprint(profileID uuid.UUID, brokerID string) string {
	sum := sha256.Sum256([]byte(profileID.String() + "|" + brokerID))
	return hex.EncodeToString(sum[:])
}

// ScheduleChecks lays out the verification timeline for a freshly
// submitted attempt: a check at 50% of the SLA window, one at the
// deadline, one 3 days past it, and one 7 days past it that switches to an
// email probe. Each is persisted when a store is configured.
func (e *Engine) ScheduleChecks(attempt model.RemovalAttempt, submittedAt time.Time, sla time.Duration) ([]ScheduledCheck, error) {
	if sla <= 0 {
		return nil, apperr.New(apperr.KindValidation, "sla duration must be positive")
	}

	checks := []ScheduledCheck{
		{ID: model.NewID(), RemovalAttemptID: attempt.ID, DueAt: submittedAt.Add(sla / 2), Type: CheckWebScan},
		{ID: model.NewID(), RemovalAttemptID: attempt.ID, DueAt: submittedAt.Add(sla), Type: CheckWebScan, AtDeadline: true},
		{ID: model.NewID(), RemovalAttemptID: attempt.ID, DueAt: submittedAt.Add(sla + 3*24*time.Hour), Type: CheckWebScan},
		{ID: model.NewID(), RemovalAttemptID: attempt.ID, DueAt: submittedAt.Add(sla + 7*24*time.Hour), Type: CheckEmail},
	}

	if e.store != nil {
		for _, c := range checks {
			if err := e.store.PutCheck(c); err != nil {
				return nil, err
			}
		}
	}
	return checks, nil
}

// CheckOutcome is the engine's verdict after one verification probe.
type CheckOutcome struct {
	State model.RemovalState
	// Escalation is set when the attempt is overdue; the rung the caller
	// should offer (and, for LevelResubmit only, run without asking).
	Escalation EscalationLevel
	// Verification is the evidence record created on confirmation.
	Verification *model.VerificationCheck
}

// RecordCheck applies one probe's result to the attempt. A listing no
// longer present confirms the removal; a listing still present at or past
// the deadline makes it overdue, climbing one escalation rung per
// subsequent overdue check.
func (e *Engine) RecordCheck(attempt *model.RemovalAttempt, check ScheduledCheck, found bool, method model.VerificationMethod, priorOverdueLevel EscalationLevel) (CheckOutcome, error) {
	if attempt.State != model.RemovalSubmitted {
		return CheckOutcome{}, apperr.New(apperr.KindConflict, "verification applies only to submitted attempts").
			WithField("state", string(attempt.State))
	}
	now := e.clock.Now()

	if !found {
		ver, err := e.confirm(attempt, method, now)
		if err != nil {
			return CheckOutcome{}, err
		}
		return CheckOutcome{State: attempt.State, Verification: ver}, nil
	}

	// Still listed. Before the deadline this is expected; the attempt
	// simply keeps verifying.
	if !check.AtDeadline && priorOverdueLevel == 0 && now.Before(attempt.SLADeadline) {
		return CheckOutcome{State: attempt.State}, nil
	}

	level := priorOverdueLevel + 1
	if level > LevelManualEscalation {
		level = LevelManualEscalation
	}
	e.logger.Info("removal overdue", "attempt", attempt.ID, "broker", attempt.BrokerID, "level", int(level))

	if e.publisher != nil {
		reg, _ := Lookup(attempt.RegulationSnapshot)
		daysOverdue := int(now.Sub(attempt.SLADeadline).Hours() / 24)
		if daysOverdue < 0 {
			daysOverdue = 0
		}
		e.publisher.Publish(TopicOverdue, OverdueEvent{
			Attempt:     *attempt,
			Level:       level,
			Regulation:  reg,
			DaysOverdue: daysOverdue,
		})
	}
	return CheckOutcome{State: attempt.State, Escalation: level}, nil
}

// confirm transitions the attempt to VerifiedRemoved. The transition is
// impossible without a valid verification method: that is the invariant,
// not a convention.
func (e *Engine) confirm(attempt *model.RemovalAttempt, method model.VerificationMethod, now time.Time) (*model.VerificationCheck, error) {
	switch method {
	case model.VerificationWebScanNegative, model.VerificationAPIConfirmation,
		model.VerificationEmailConfirmation, model.VerificationManualConfirmation:
	default:
		return nil, apperr.New(apperr.KindValidation, "unrecognized verification method").
			WithField("method", string(method))
	}

	ver := &model.VerificationCheck{
		ID:               model.NewID(),
		RemovalAttemptID: attempt.ID,
		Method:           method,
		Timestamp:        now,
	}
	attempt.State = model.RemovalVerifiedRemoved
	attempt.UpdatedAt = now

	e.mu.Lock()
	e.confirmed[fingerprint(attempt.ProfileID, attempt.BrokerID)] = attempt.ID
	e.mu.Unlock()

	return ver, nil
}

// NextRecheck returns when a confirmed removal should next be re-scanned
// for reappearance.
func (e *Engine) NextRecheck(confirmedAt time.Time) time.Time {
	return confirmedAt.Add(e.recheckInterval)
}

// RescanOutcome is the result of a periodic reappearance re-scan.
type RescanOutcome struct {
	Reappeared        bool
	ReappearanceCount int
	// NewAttempt is the fresh removal attempt to schedule when the
	// listing reappeared.
	NewAttempt *model.RemovalAttempt
}

// ObserveRescan feeds a periodic re-scan result for a previously confirmed
// (profile, broker) pair. Finding the listing again flips the attempt to
// Reappeared, increments the pair's reappearance counter by exactly one,
// and produces a fresh attempt carrying the original regulation snapshot.
func (e *Engine) ObserveRescan(attempt *model.RemovalAttempt, found bool) (RescanOutcome, error) {
	if attempt.State != model.RemovalVerifiedRemoved {
		return RescanOutcome{}, apperr.New(apperr.KindConflict, "rescan applies only to verified-removed attempts")
	}
	if !found {
		return RescanOutcome{}, nil
	}

	fp := fingerprint(attempt.ProfileID, attempt.BrokerID)
	e.mu.Lock()
	if _, ok := e.confirmed[fp]; !ok {
		e.mu.Unlock()
		return RescanOutcome{}, apperr.New(apperr.KindConflict, "attempt was never confirmed by this engine")
	}
	delete(e.confirmed, fp)
	e.reappearance[fp]++
	count := e.reappearance[fp]
	e.mu.Unlock()

	now := e.clock.Now()
	attempt.State = model.RemovalReappeared
	attempt.ReappearanceCount = count
	attempt.UpdatedAt = now

	fresh := &model.RemovalAttempt{
		ID:                 model.NewID(),
		ScanResultID:       attempt.ScanResultID,
		ProfileID:          attempt.ProfileID,
		BrokerID:           attempt.BrokerID,
		State:              model.RemovalPending,
		RegulationSnapshot: attempt.RegulationSnapshot,
		ReappearanceCount:  count,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	e.logger.Info("listing reappeared", "broker", attempt.BrokerID, "count", count)
	return RescanOutcome{Reappeared: true, ReappearanceCount: count, NewAttempt: fresh}, nil
}

// ReappearanceCount reports how many times the (profile, broker) pair has
// reappeared after confirmed removals.
func (e *Engine) ReappearanceCount(profileID uuid.UUID, brokerID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reappearance[fingerprint(profileID, brokerID)]
}

// RequiresUserConfirmation reports whether an escalation rung may only run
// after explicit user confirmation. Only L1 (resubmit) is automatic.
func RequiresUserConfirmation(level EscalationLevel) bool {
	return level != LevelResubmit
}
