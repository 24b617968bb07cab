package scheduler

import (
	"encoding/json"
	"time"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/core/vault"
)

const tasksTable = "scheduler_tasks"

// Persistence checkpoints tasks through the vault's single-file store
// (the scheduler_tasks table) so a restart resumes in-flight work from its
// last committed safe point rather than standing up a second storage
// engine.
type Persistence struct {
	store *vault.Store
}

// NewPersistence wraps the vault store's scheduler_tasks table.
func NewPersistence(store *vault.Store) *Persistence {
	return &Persistence{store: store}
}

// Save upserts the task's full state, including its checkpoint snapshot.
func (p *Persistence) Save(t *Task, now time.Time) error {
	if p == nil || p.store == nil {
		return nil
	}
	extraCols := []string{"kind", "class", "state", "checkpoint", "not_before", "updated_at"}
	extraVals := []any{t.Kind, string(t.Class), string(t.State), []byte(t.Checkpoint),
		t.NotBefore.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano)}
	return p.store.PutRecord(tasksTable, "id", t.ID.String(), extraCols, extraVals, t)
}

// Load returns the persisted task with the given id, if any.
func (p *Persistence) Load(id string) (*Task, bool, error) {
	var t Task
	found, err := p.store.GetRecord(tasksTable, "id", id, &t)
	if err != nil || !found {
		return nil, false, err
	}
	return &t, true, nil
}

// Resumable returns every task whose state is pending or running — the set
// a restarted scheduler must re-enqueue. A task found in StateRunning was
// interrupted mid-flight; its handler restarts from the last committed
// checkpoint.
func (p *Persistence) Resumable() ([]*Task, error) {
	var out []*Task
	err := p.store.ListRecords(tasksTable, func(data []byte) error {
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return apperr.Wrap(apperr.KindFatal, "decoding persisted task", err)
		}
		if t.State == StatePending || t.State == StateRunning {
			out = append(out, &t)
		}
		return nil
	})
	return out, err
}
