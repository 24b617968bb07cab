// Package scheduler is the bounded-concurrency, durable task queue (C7)
// that drives the broker pipeline: scans, removal submissions,
// verification re-checks, and outbound mail sends all run as Tasks under
// per-class semaphores plus a global cap, with retries, backoff, jitter,
// cooperative cancellation, and checkpointed persistence through the
// vault's single-file store.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Class groups tasks for per-class concurrency limiting.
type Class string

const (
	ClassScan     Class = "scan"
	ClassRemoval  Class = "removal"
	ClassVerify   Class = "verify"
	ClassMailSend Class = "mail_send"
)

// State is a persisted task's lifecycle position.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// BackoffPolicy controls the retry delay curve for a task's transient
// failures. Delays grow exponentially from Initial, are capped at Max, and
// carry jitter so a burst of same-broker failures doesn't retry in
// lockstep.
type BackoffPolicy struct {
	Initial time.Duration `json:"initial"`
	Max     time.Duration `json:"max"`
}

// DefaultBackoff is used when a Task carries a zero BackoffPolicy.
var DefaultBackoff = BackoffPolicy{Initial: 5 * time.Second, Max: 10 * time.Minute}

// Task is one unit of schedulable work. Kind selects the registered
// handler; Payload is opaque to the scheduler and decoded by the handler.
type Task struct {
	ID          uuid.UUID       `json:"id"`
	Kind        string          `json:"kind"`
	Class       Class           `json:"class"`
	Priority    int             `json:"priority"`
	NotBefore   time.Time       `json:"not_before"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     BackoffPolicy   `json:"backoff"`
	Payload     json.RawMessage `json:"payload"`

	// Checkpoint is the handler's last committed safe-point snapshot,
	// restored into the handler on resume after a restart.
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`

	State     State  `json:"state"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`
}

func (t *Task) backoff() BackoffPolicy {
	if t.Backoff.Initial <= 0 {
		return DefaultBackoff
	}
	return t.Backoff
}
