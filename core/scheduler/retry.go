package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/scrubline/scrubline/core/apperr"
)

// runWithRetry executes fn under the task's backoff policy. Only errors the
// taxonomy marks retryable (IoError, retryable ProtocolError) are retried;
// everything else propagates on the first occurrence. The attempt cap
// counts total executions, so MaxAttempts=1 means no retry at all.
func runWithRetry(ctx context.Context, t *Task, fn func(ctx context.Context) error) error {
	policy := t.backoff()

	b := retry.NewExponential(policy.Initial)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(policy.Max, b)
	maxAttempts := t.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	b = retry.WithMaxRetries(uint64(maxAttempts-1), b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		t.Attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		t.LastError = apperr.UserMessage(err)
		if apperr.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// BreakerSet holds one circuit breaker per task class, isolating a broker
// or mail server outage: once a class's consecutive failures trip its
// breaker, further executions in that class fail fast for the cooldown
// window instead of burning every task's retry budget against a dead
// endpoint.
type BreakerSet struct {
	byClass map[Class]*gobreaker.CircuitBreaker
}

// NewBreakerSet creates breakers for every task class with a shared
// trip threshold: 5 consecutive failures open the breaker for 60 seconds.
func NewBreakerSet() *BreakerSet {
	s := &BreakerSet{byClass: make(map[Class]*gobreaker.CircuitBreaker)}
	for _, c := range []Class{ClassScan, ClassRemoval, ClassVerify, ClassMailSend} {
		s.byClass[c] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(c),
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return s
}

// Execute runs fn through the class's breaker. An open breaker maps to a
// retryable IoError so the scheduler's backoff naturally spaces the next
// attempt past the breaker's cooldown.
func (s *BreakerSet) Execute(class Class, fn func() error) error {
	cb, ok := s.byClass[class]
	if !ok {
		return fn()
	}
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Wrap(apperr.KindIO, "circuit breaker open for class "+string(class), err)
	}
	return err
}
