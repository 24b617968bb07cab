package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/pkg/clock"
)

// cancelGracePeriod bounds how long a cancelled task may keep running
// before the scheduler stops waiting for it.
const cancelGracePeriod = 5 * time.Second

// Checkpointer is handed to a handler so it can commit a safe-point
// snapshot (e.g. after a form submission but before the confirmation-page
// parse, or after a message is enqueued to SMTP but before the inbox ack).
type Checkpointer interface {
	Commit(snapshot []byte) error
}

// Handler executes one task kind. It must honor ctx cancellation on every
// I/O operation and call cp.Commit at its safe points; on resume after a
// restart it receives the last committed snapshot in task.Checkpoint.
type Handler func(ctx context.Context, task *Task, cp Checkpointer) error

// Scheduler runs registered handlers over a durable task queue with
// bounded per-class and global concurrency.
type Scheduler struct {
	clock    clock.Clock
	persist  *Persistence
	breakers *BreakerSet
	logger   *slog.Logger

	global   *semaphore.Weighted
	perClass map[Class]*semaphore.Weighted

	mu       sync.Mutex
	handlers map[string]Handler
	queue    []*Task
	running  map[string]*runningTask
	wake     chan struct{}

	pollInterval time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the real clock, letting tests drive NotBefore and
// retry timing against a virtual clock.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithPersistence wires durable checkpointing through the vault store.
// Without it the queue is memory-only (tests, draft mode).
func WithPersistence(p *Persistence) Option { return func(s *Scheduler) { s.persist = p } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithGlobalLimit caps how many tasks of any class run at once.
func WithGlobalLimit(n int64) Option {
	return func(s *Scheduler) { s.global = semaphore.NewWeighted(n) }
}

// WithClassLimit caps concurrent tasks of one class.
func WithClassLimit(c Class, n int64) Option {
	return func(s *Scheduler) { s.perClass[c] = semaphore.NewWeighted(n) }
}

// WithPollInterval sets how often the run loop re-examines the queue for
// tasks whose NotBefore has arrived. Tests shorten this.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = d }
}

// New creates a Scheduler with conservative default limits: 2 concurrent
// scans, 1 removal, 2 verifies, 1 mail send, 4 global.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    clock.NewReal(),
		breakers: NewBreakerSet(),
		logger:   slog.Default(),
		global:   semaphore.NewWeighted(4),
		perClass: map[Class]*semaphore.Weighted{
			ClassScan:     semaphore.NewWeighted(2),
			ClassRemoval:  semaphore.NewWeighted(1),
			ClassVerify:   semaphore.NewWeighted(2),
			ClassMailSend: semaphore.NewWeighted(1),
		},
		handlers:     make(map[string]Handler),
		running:      make(map[string]*runningTask),
		wake:         make(chan struct{}, 1),
		pollInterval: time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register installs the handler for a task kind. Submitting a task with an
// unregistered kind fails.
func (s *Scheduler) Register(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Submit persists the task as pending and enqueues it.
func (s *Scheduler) Submit(t *Task) error {
	s.mu.Lock()
	_, known := s.handlers[t.Kind]
	s.mu.Unlock()
	if !known {
		return apperr.New(apperr.KindValidation, "no handler registered for task kind").WithField("kind", t.Kind)
	}

	t.State = StatePending
	if s.persist != nil {
		if err := s.persist.Save(t, s.clock.Now()); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	s.signal()
	return nil
}

// Resume re-enqueues every persisted pending or interrupted task. Call
// once at startup, after Register, before Run.
func (s *Scheduler) Resume() error {
	if s.persist == nil {
		return nil
	}
	tasks, err := s.persist.Resumable()
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, t := range tasks {
		t.State = StatePending
		s.queue = append(s.queue, t)
	}
	s.mu.Unlock()
	if len(tasks) > 0 {
		s.logger.Info("resumed interrupted tasks", "count", len(tasks))
		s.signal()
	}
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run dispatches queued tasks until ctx is cancelled, then waits up to the
// grace period for in-flight tasks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	g, runCtx := errgroup.WithContext(ctx)

	for {
		select {
		case <-ctx.Done():
			done := make(chan error, 1)
			go func() { done <- g.Wait() }()
			select {
			case err := <-done:
				if err != nil {
					return err
				}
			case <-time.After(cancelGracePeriod):
				s.logger.Warn("in-flight tasks exceeded the cancellation grace period")
			}
			return apperr.Wrap(apperr.KindCancelled, "scheduler stopped", ctx.Err())
		case <-s.wake:
		case <-s.clock.After(s.pollInterval):
		}

		for _, t := range s.dequeueDue() {
			task := t
			g.Go(func() error {
				s.execute(runCtx, task)
				return nil
			})
		}
	}
}

// dequeueDue removes and returns every queued task whose NotBefore has
// passed, highest priority first.
func (s *Scheduler) dequeueDue() []*Task {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Task
	remaining := s.queue[:0]
	for _, t := range s.queue {
		if t.NotBefore.After(now) {
			remaining = append(remaining, t)
			continue
		}
		due = append(due, t)
	}
	s.queue = remaining

	sort.SliceStable(due, func(i, j int) bool { return due[i].Priority > due[j].Priority })
	return due
}

// runningTask tracks an in-flight task so Cancel can reach it.
type runningTask struct {
	cancel   context.CancelFunc
	explicit bool
}

// Cancel cooperatively cancels a running task. The handler observes its
// context being cancelled and must return within the grace period; the
// task ends in StateCancelled and is not resumed on restart.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	rt, ok := s.running[id]
	if ok {
		rt.explicit = true
	}
	s.mu.Unlock()
	if ok {
		rt.cancel()
	}
}

func (s *Scheduler) execute(ctx context.Context, t *Task) {
	classSem, ok := s.perClass[t.Class]
	if !ok {
		classSem = semaphore.NewWeighted(1)
	}
	if err := s.global.Acquire(ctx, 1); err != nil {
		s.finish(t, StatePending, err)
		return
	}
	defer s.global.Release(1)
	if err := classSem.Acquire(ctx, 1); err != nil {
		s.finish(t, StatePending, err)
		return
	}
	defer classSem.Release(1)

	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()
	rt := &runningTask{cancel: cancelTask}
	s.mu.Lock()
	h := s.handlers[t.Kind]
	s.running[t.ID.String()] = rt
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, t.ID.String())
		s.mu.Unlock()
	}()

	t.State = StateRunning
	s.saveQuiet(t)

	cp := &taskCheckpointer{sched: s, task: t}
	err := runWithRetry(taskCtx, t, func(ctx context.Context) error {
		return s.breakers.Execute(t.Class, func() error {
			return h(ctx, t, cp)
		})
	})

	switch {
	case err == nil:
		s.finish(t, StateDone, nil)
	case rt.explicit:
		s.finish(t, StateCancelled, err)
	case taskCtx.Err() != nil || apperr.Is(err, apperr.KindCancelled):
		// Interrupted by shutdown: leave the task resumable so a restart
		// picks it up from its last committed checkpoint.
		s.finish(t, StatePending, err)
	default:
		s.logger.Error("task failed permanently", "kind", t.Kind, "id", t.ID, "attempts", t.Attempt, "err", err)
		s.finish(t, StateFailed, err)
	}
}

func (s *Scheduler) finish(t *Task, state State, err error) {
	t.State = state
	if err != nil {
		t.LastError = apperr.UserMessage(err)
	}
	s.saveQuiet(t)
}

func (s *Scheduler) saveQuiet(t *Task) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Save(t, s.clock.Now()); err != nil {
		s.logger.Error("persisting task state", "id", t.ID, "err", err)
	}
}

// taskCheckpointer commits safe-point snapshots for one task.
type taskCheckpointer struct {
	sched *Scheduler
	task  *Task
}

func (c *taskCheckpointer) Commit(snapshot []byte) error {
	c.task.Checkpoint = snapshot
	if c.sched.persist == nil {
		return nil
	}
	return c.sched.persist.Save(c.task, c.sched.clock.Now())
}
