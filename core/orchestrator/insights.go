package orchestrator

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/scrubline/scrubline/core/model"
	"github.com/scrubline/scrubline/core/verification"
)

// Insight kinds produced by the orchestrator.
const (
	InsightReappearanceCorrelation = "reappearance_correlation"
	InsightRemovalEffectiveness    = "removal_effectiveness"
	InsightNewBrokerDiscovered     = "new_broker_discovered"
	InsightEscalationAvailable     = "escalation_available"
)

// reappearanceInsightThreshold is how many reappearances a (profile,
// broker) pair accumulates before the pattern is worth surfacing.
const reappearanceInsightThreshold = 2

// effectivenessSampleFloor is the minimum submissions before a
// per-broker effectiveness observation is meaningful.
const effectivenessSampleFloor = 3

func (o *Orchestrator) onScanResult(res model.ScanResult) {
	if !res.Found {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	// A found listing at a broker never scanned before is a discovery:
	// the broker holds the profile's data even though no removal history
	// exists for it.
	if _, known := o.tallies[res.BrokerID]; !known {
		o.tallies[res.BrokerID] = &brokerTally{}
		o.append(model.Insight{
			Kind:       InsightNewBrokerDiscovered,
			Summary:    fmt.Sprintf("Your data was found at %s, a broker with no prior removal history.", res.BrokerID),
			RelatedIDs: []uuid.UUID{res.ID},
		})
	}
}

func (o *Orchestrator) onConfirmed(attempt model.RemovalAttempt) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.tally(attempt.BrokerID)
	t.confirmed++
	if t.submitted >= effectivenessSampleFloor {
		o.append(model.Insight{
			Kind: InsightRemovalEffectiveness,
			Summary: fmt.Sprintf("%s has honored %d of %d removal requests so far.",
				attempt.BrokerID, t.confirmed, t.submitted),
			RelatedIDs: []uuid.UUID{attempt.ID},
		})
	}
}

func (o *Orchestrator) onReappeared(ev ReappearanceEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tally(ev.Attempt.BrokerID).reappeared++

	key := ev.Attempt.ProfileID.String() + "|" + ev.Attempt.BrokerID
	o.seenPairs[key] = ev.Count
	if ev.Count >= reappearanceInsightThreshold {
		o.append(model.Insight{
			Kind: InsightReappearanceCorrelation,
			Summary: fmt.Sprintf("Your listing at %s has reappeared %d times after confirmed removals; the broker is likely re-importing the data from an upstream source.",
				ev.Attempt.BrokerID, ev.Count),
			RelatedIDs: []uuid.UUID{ev.Attempt.ID},
		})
	}
}

// onOverdue applies the escalation ladder to an overdue removal. Only L1
// (resubmit) runs on its own; L2 and L3 are parked as pending escalations
// the user must confirm via ConfirmEscalation before anything is sent or
// surfaced further. L3 in particular never auto-files a complaint.
func (o *Orchestrator) onOverdue(ev verification.OverdueEvent) {
	o.logger.Info("removal overdue", "broker", ev.Attempt.BrokerID, "level", int(ev.Level))

	if ev.Level == verification.LevelResubmit {
		if o.resubmitter != nil {
			o.resubmitter.ResubmitRemoval(ev.Attempt.ID)
		}
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[ev.Attempt.ID] = ev

	summary := fmt.Sprintf("The removal at %s is %d days overdue; a follow-up citing %s is ready to send with your confirmation.",
		ev.Attempt.BrokerID, ev.DaysOverdue, ev.Regulation.Citation)
	if ev.Level == verification.LevelManualEscalation {
		summary = fmt.Sprintf("The removal at %s remains unanswered %d days past its deadline; you may file a complaint with the supervisory authority under %s.",
			ev.Attempt.BrokerID, ev.DaysOverdue, ev.Regulation.Citation)
	}
	o.append(model.Insight{
		Kind:       InsightEscalationAvailable,
		Summary:    summary,
		RelatedIDs: []uuid.UUID{ev.Attempt.ID},
	})
}

// append records an insight. Callers hold o.mu.
func (o *Orchestrator) append(ins model.Insight) {
	ins.ID = model.NewID()
	ins.CreatedAt = o.clock.Now()
	o.insights = append(o.insights, ins)
	if o.store != nil {
		if err := o.store.PutInsight(ins); err != nil {
			o.logger.Error("persisting insight", "kind", ins.Kind, "err", err)
		}
	}
}
