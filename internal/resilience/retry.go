// Package resilience wraps calls to external dependencies with retry,
// exponential backoff with jitter, and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/btouchard/stride/internal/errs"
)

// Policy configures an Executor.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the randomization factor applied to each delay (0.5 = ±50%).
	Jitter float64
}

// DefaultPolicy is the vendor token refresh policy: 3 retries starting at
// 500ms and doubling, ±50% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Jitter:     0.5,
	}
}

// Classifier reports whether an error may be retried.
type Classifier func(error) bool

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Outcome is the typed result of Executor.Do.
type Outcome struct {
	Attempts int
	// Err is the last error; nil on success.
	Err error
	// Exhausted is true when every allowed attempt failed with a retryable error.
	Exhausted bool
}

// OK reports whether the call eventually succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Executor runs an operation under a Policy, optionally behind a Breaker.
type Executor struct {
	policy    Policy
	retryable Classifier
	breaker   *Breaker
	observer  Observer
	sleep     Sleeper
}

// Option customises an Executor.
type Option func(*Executor)

// WithClassifier replaces the default transient-vendor-error classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) { e.retryable = c }
}

// WithBreaker guards every attempt with b.
func WithBreaker(b *Breaker) Option {
	return func(e *Executor) { e.breaker = b }
}

// WithObserver registers o for attempt notifications.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithSleeper replaces the context-aware timer wait (used by tests).
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// NewExecutor creates an Executor. Unset delays fall back to DefaultPolicy.
func NewExecutor(policy Policy, opts ...Option) *Executor {
	def := DefaultPolicy()
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.Jitter < 0 || policy.Jitter >= 1 {
		policy.Jitter = def.Jitter
	}

	e := &Executor{
		policy:    policy,
		retryable: errs.IsTransient,
		observer:  nopObserver{},
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. op names the call in observer events.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) Outcome {
	delays := &backoff.ExponentialBackOff{
		InitialInterval:     e.policy.BaseDelay,
		RandomizationFactor: e.policy.Jitter,
		Multiplier:          2,
		MaxInterval:         e.policy.MaxDelay,
	}
	delays.Reset()

	maxAttempts := e.policy.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return e.finish(op, Outcome{Attempts: attempt - 1, Err: errors.Join(err, lastErr)})
		}

		err := e.attempt(ctx, fn)
		if err == nil {
			return e.finish(op, Outcome{Attempts: attempt})
		}
		lastErr = err

		if !e.retryable(err) {
			return e.finish(op, Outcome{Attempts: attempt, Err: err})
		}
		if attempt == maxAttempts {
			break
		}

		delay := delays.NextBackOff()
		e.observer.Observe(Event{Kind: EventRetry, Op: op, Attempt: attempt, Delay: delay, Err: err})
		if serr := e.sleep(ctx, delay); serr != nil {
			return e.finish(op, Outcome{Attempts: attempt, Err: fmt.Errorf("%w (last error: %w)", serr, lastErr)})
		}
	}

	return e.finish(op, Outcome{Attempts: maxAttempts, Err: lastErr, Exhausted: true})
}

func (e *Executor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.breaker == nil {
		return fn(ctx)
	}
	if err := e.breaker.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	// Only dependency-health failures count against the breaker; a 4xx
	// means the vendor answered.
	e.breaker.Record(err == nil || !e.retryable(err))
	return err
}

func (e *Executor) finish(op string, out Outcome) Outcome {
	switch {
	case out.OK():
		e.observer.Observe(Event{Kind: EventSuccess, Op: op, Attempt: out.Attempts})
	default:
		e.observer.Observe(Event{Kind: EventGiveUp, Op: op, Attempt: out.Attempts, Err: out.Err, Exhausted: out.Exhausted})
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
