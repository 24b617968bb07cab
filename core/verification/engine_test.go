package verification

import (
	"testing"
	"time"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/core/model"
	"github.com/scrubline/scrubline/pkg/clock"
	"github.com/scrubline/scrubline/pkg/events"
)

var verStart = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func submittedAttempt() model.RemovalAttempt {
	return model.RemovalAttempt{
		ID:                 model.NewID(),
		ScanResultID:       model.NewID(),
		ProfileID:          model.NewID(),
		BrokerID:           "example-people",
		State:              model.RemovalSubmitted,
		RegulationSnapshot: "ccpa",
		SLADeadline:        verStart.Add(30 * 24 * time.Hour),
	}
}

func TestStrongest_PicksAcrossUserAndBroker(t *testing.T) {
	t.Parallel()

	j := model.Jurisdiction{Country: "US", Region: "CA", Regulations: []string{"ccpa", "cpra"}}

	r, ok := Strongest(j, nil)
	if !ok || r.Code != "cpra" {
		t.Errorf("user-only strongest = %v, want cpra", r.Code)
	}

	// A broker subject to GDPR pulls the stronger regulation in.
	r, ok = Strongest(j, []string{"gdpr"})
	if !ok || r.Code != "gdpr" {
		t.Errorf("with gdpr broker, strongest = %v, want gdpr", r.Code)
	}

	_, ok = Strongest(model.Jurisdiction{}, []string{"unknown-reg"})
	if ok {
		t.Error("unknown codes alone must yield no regulation")
	}
}

func TestScheduleChecks_Timeline(t *testing.T) {
	t.Parallel()

	e := New(WithClock(clock.NewFixed(verStart)))
	sla := 30 * 24 * time.Hour
	checks, err := e.ScheduleChecks(submittedAttempt(), verStart, sla)
	if err != nil {
		t.Fatal(err)
	}
	if len(checks) != 4 {
		t.Fatalf("got %d checks, want 4", len(checks))
	}

	wantDue := []time.Time{
		verStart.Add(15 * 24 * time.Hour),
		verStart.Add(30 * 24 * time.Hour),
		verStart.Add(33 * 24 * time.Hour),
		verStart.Add(37 * 24 * time.Hour),
	}
	for i, c := range checks {
		if !c.DueAt.Equal(wantDue[i]) {
			t.Errorf("check %d due at %v, want %v", i, c.DueAt, wantDue[i])
		}
	}
	if checks[3].Type != CheckEmail {
		t.Error("the SLA+7d check must switch to an email probe")
	}
	if !checks[1].AtDeadline {
		t.Error("the SLA-deadline check must be marked")
	}
}

// Spec section 8 scenario 1's verification half: still-found at 50% keeps
// verifying; not-found at the deadline confirms with a valid method.
func TestRecordCheck_MidtermThenConfirm(t *testing.T) {
	t.Parallel()

	mc := clock.NewManual(verStart)
	e := New(WithClock(mc))
	attempt := submittedAttempt()
	checks, err := e.ScheduleChecks(attempt, verStart, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	mc.Advance(15 * 24 * time.Hour)
	out, err := e.RecordCheck(&attempt, checks[0], true, model.VerificationWebScanNegative, 0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Escalation != 0 || attempt.State != model.RemovalSubmitted {
		t.Errorf("mid-SLA still-found must stay submitted, got state=%s escalation=%d", attempt.State, out.Escalation)
	}

	mc.Advance(15 * 24 * time.Hour)
	out, err = e.RecordCheck(&attempt, checks[1], false, model.VerificationWebScanNegative, 0)
	if err != nil {
		t.Fatal(err)
	}
	if attempt.State != model.RemovalVerifiedRemoved {
		t.Errorf("state = %s, want verified_removed", attempt.State)
	}
	if out.Verification == nil || out.Verification.Method != model.VerificationWebScanNegative {
		t.Fatal("confirmation must carry a verification check record")
	}
	if out.Verification.Timestamp.Before(verStart) {
		t.Error("verification timestamp must not precede submission")
	}
}

func TestConfirm_RequiresValidMethod(t *testing.T) {
	t.Parallel()

	e := New(WithClock(clock.NewFixed(verStart)))
	attempt := submittedAttempt()
	check := ScheduledCheck{ID: model.NewID(), RemovalAttemptID: attempt.ID, AtDeadline: true}

	_, err := e.RecordCheck(&attempt, check, false, model.VerificationMethod("vibes"), 0)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("invalid method must be rejected, got %v", err)
	}
	if attempt.State == model.RemovalVerifiedRemoved {
		t.Fatal("attempt must not be confirmed without a valid verification method")
	}
}

func TestRecordCheck_EscalationLadderClimbs(t *testing.T) {
	t.Parallel()

	mc := clock.NewManual(verStart)
	e := New(WithClock(mc))
	attempt := submittedAttempt()
	checks, err := e.ScheduleChecks(attempt, verStart, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	mc.Advance(30 * 24 * time.Hour)
	out, _ := e.RecordCheck(&attempt, checks[1], true, model.VerificationWebScanNegative, 0)
	if out.Escalation != LevelResubmit {
		t.Errorf("first overdue check escalation = %d, want L1 resubmit", out.Escalation)
	}
	if RequiresUserConfirmation(out.Escalation) {
		t.Error("L1 resubmit runs without user confirmation")
	}

	mc.Advance(3 * 24 * time.Hour)
	out, _ = e.RecordCheck(&attempt, checks[2], true, model.VerificationWebScanNegative, out.Escalation)
	if out.Escalation != LevelLegalEmail {
		t.Errorf("second overdue check escalation = %d, want L2 legal email", out.Escalation)
	}
	if !RequiresUserConfirmation(out.Escalation) {
		t.Error("L2 requires explicit user confirmation")
	}

	mc.Advance(4 * 24 * time.Hour)
	out, _ = e.RecordCheck(&attempt, checks[3], true, model.VerificationWebScanNegative, out.Escalation)
	if out.Escalation != LevelManualEscalation {
		t.Errorf("third overdue check escalation = %d, want L3", out.Escalation)
	}

	// The ladder tops out at L3; it never auto-files.
	out, _ = e.RecordCheck(&attempt, checks[3], true, model.VerificationWebScanNegative, out.Escalation)
	if out.Escalation != LevelManualEscalation {
		t.Errorf("ladder must cap at L3, got %d", out.Escalation)
	}
}

// An overdue check announces itself on the bus so the orchestrator can
// offer the escalation ladder; the payload carries the snapshotted
// regulation and how late the broker is.
func TestRecordCheck_PublishesOverdueEvent(t *testing.T) {
	t.Parallel()

	bus := events.New()
	sub := bus.Subscribe(TopicOverdue)
	defer sub.Close()

	mc := clock.NewManual(verStart)
	e := New(WithClock(mc), WithPublisher(bus))
	attempt := submittedAttempt()
	checks, err := e.ScheduleChecks(attempt, verStart, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	mc.Advance(33 * 24 * time.Hour)
	out, err := e.RecordCheck(&attempt, checks[2], true, model.VerificationWebScanNegative, LevelResubmit)
	if err != nil {
		t.Fatal(err)
	}
	if out.Escalation != LevelLegalEmail {
		t.Fatalf("escalation = %d, want L2", out.Escalation)
	}

	select {
	case ev := <-sub.C():
		p, ok := ev.Payload.(OverdueEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if p.Level != LevelLegalEmail || p.Attempt.ID != attempt.ID {
			t.Errorf("event = %+v", p)
		}
		if p.Regulation.Code != "ccpa" {
			t.Errorf("regulation = %q, want the attempt's snapshot", p.Regulation.Code)
		}
		if p.DaysOverdue != 3 {
			t.Errorf("days overdue = %d, want 3", p.DaysOverdue)
		}
	default:
		t.Fatal("no overdue event published")
	}
}

// Spec section 8 scenario 6: a confirmed removal found again at T+60d
// flips to Reappeared, schedules a fresh attempt, and increments the pair
// counter by exactly one.
func TestObserveRescan_Reappearance(t *testing.T) {
	t.Parallel()

	mc := clock.NewManual(verStart)
	e := New(WithClock(mc), WithRecheckInterval(30*24*time.Hour))
	attempt := submittedAttempt()
	check := ScheduledCheck{ID: model.NewID(), RemovalAttemptID: attempt.ID, AtDeadline: true}

	if _, err := e.RecordCheck(&attempt, check, false, model.VerificationWebScanNegative, 0); err != nil {
		t.Fatal(err)
	}

	mc.Advance(60 * 24 * time.Hour)
	out, err := e.ObserveRescan(&attempt, true)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Reappeared {
		t.Fatal("listing found after confirmation must be a reappearance")
	}
	if attempt.State != model.RemovalReappeared {
		t.Errorf("state = %s, want reappeared", attempt.State)
	}
	if out.ReappearanceCount != 1 {
		t.Errorf("reappearance count = %d, want exactly 1", out.ReappearanceCount)
	}
	if out.NewAttempt == nil || out.NewAttempt.State != model.RemovalPending {
		t.Fatal("a fresh pending attempt must be scheduled")
	}
	if out.NewAttempt.RegulationSnapshot != attempt.RegulationSnapshot {
		t.Error("the fresh attempt carries the original regulation snapshot")
	}
	if got := e.ReappearanceCount(attempt.ProfileID, attempt.BrokerID); got != 1 {
		t.Errorf("pair counter = %d, want 1", got)
	}
}

func TestObserveRescan_StillGoneIsNoop(t *testing.T) {
	t.Parallel()

	e := New(WithClock(clock.NewFixed(verStart)))
	attempt := submittedAttempt()
	check := ScheduledCheck{ID: model.NewID(), RemovalAttemptID: attempt.ID, AtDeadline: true}
	if _, err := e.RecordCheck(&attempt, check, false, model.VerificationWebScanNegative, 0); err != nil {
		t.Fatal(err)
	}

	out, err := e.ObserveRescan(&attempt, false)
	if err != nil {
		t.Fatal(err)
	}
	if out.Reappeared || attempt.State != model.RemovalVerifiedRemoved {
		t.Error("a still-absent listing must change nothing")
	}
}
