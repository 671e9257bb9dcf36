package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/stride/internal/errs"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func transientErr() error { return &errs.VendorError{Op: "refresh", StatusCode: 503} }

func TestExecutor_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	sl := &recordingSleeper{}
	ex := NewExecutor(DefaultPolicy(), WithSleeper(sl.sleep))

	calls := 0
	out := ex.Do(context.Background(), "refresh", func(context.Context) error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})

	assert.True(t, out.OK())
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, calls)
	assert.Len(t, sl.delays, 2)
}

func TestExecutor_ExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	sl := &recordingSleeper{}
	ex := NewExecutor(DefaultPolicy(), WithSleeper(sl.sleep))

	calls := 0
	out := ex.Do(context.Background(), "refresh", func(context.Context) error {
		calls++
		return transientErr()
	})

	assert.False(t, out.OK())
	assert.True(t, out.Exhausted)
	assert.Equal(t, 4, calls, "one attempt plus three retries")
	assert.Equal(t, 4, out.Attempts)
	assert.ErrorIs(t, out.Err, errs.ErrVendorTransient)
	require.Len(t, sl.delays, 3)
}

func TestExecutor_DelaysGrowWithJitterBounds(t *testing.T) {
	t.Parallel()

	sl := &recordingSleeper{}
	ex := NewExecutor(DefaultPolicy(), WithSleeper(sl.sleep))
	ex.Do(context.Background(), "refresh", func(context.Context) error { return transientErr() })

	require.Len(t, sl.delays, 3)
	base := 500 * time.Millisecond
	for i, d := range sl.delays {
		nominal := base << i
		assert.GreaterOrEqual(t, d, nominal/2, "delay %d", i)
		// +1ns slack from the randomization formula
		assert.LessOrEqual(t, d, nominal*3/2+time.Nanosecond, "delay %d", i)
	}
}

func TestExecutor_TerminalErrorNotRetried(t *testing.T) {
	t.Parallel()

	sl := &recordingSleeper{}
	ex := NewExecutor(DefaultPolicy(), WithSleeper(sl.sleep))

	calls := 0
	out := ex.Do(context.Background(), "refresh", func(context.Context) error {
		calls++
		return &errs.VendorError{Op: "refresh", StatusCode: 400, Code: "invalid_grant"}
	})

	assert.Equal(t, 1, calls)
	assert.False(t, out.Exhausted)
	assert.ErrorIs(t, out.Err, errs.ErrReauthRequired)
	assert.Empty(t, sl.delays)
}

func TestExecutor_CancelledContextStopsRetrying(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	ex := NewExecutor(DefaultPolicy(), WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	out := ex.Do(ctx, "refresh", func(context.Context) error {
		calls++
		return transientErr()
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.ErrorIs(t, out.Err, errs.ErrVendorTransient)
}

func TestExecutor_ObserverSeesRetriesAndGiveUp(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var kinds []EventKind
	obs := ObserverFunc(func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	ex := NewExecutor(Policy{MaxRetries: 1, BaseDelay: time.Millisecond}, WithSleeper(func(context.Context, time.Duration) error { return nil }), WithObserver(obs))
	ex.Do(context.Background(), "pull", func(context.Context) error { return transientErr() })

	assert.Equal(t, []EventKind{EventRetry, EventGiveUp}, kinds)
}

func TestExecutor_CustomClassifier(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("flaky")
	ex := NewExecutor(Policy{MaxRetries: 2, BaseDelay: time.Millisecond},
		WithSleeper(func(context.Context, time.Duration) error { return nil }),
		WithClassifier(func(err error) bool { return errors.Is(err, sentinel) }))

	calls := 0
	out := ex.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return sentinel
	})

	assert.Equal(t, 3, calls)
	assert.True(t, out.Exhausted)
}
