package resilience

import (
	"sync"
	"time"

	"github.com/btouchard/stride/internal/errs"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker opens after Threshold consecutive failures and rejects calls until
// Cooldown has elapsed, then lets a single probe through (half-open). A
// successful probe closes it; a failed probe reopens it.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	observer  Observer

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// BreakerOption customises a Breaker.
type BreakerOption func(*Breaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithStateObserver reports state transitions to o.
func WithStateObserver(o Observer) BreakerOption {
	return func(b *Breaker) { b.observer = o }
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, threshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		observer:  nopObserver{},
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow returns errs.ErrCircuitOpen when the call must be rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return errs.ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return errs.ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record reports the result of an allowed call.
func (b *Breaker) Record(success bool) {
	if success {
		b.Success()
		return
	}
	b.Failure()
}

// Success closes the breaker and resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// Failure counts a dependency failure and opens the breaker when the
// threshold is reached or a half-open probe fails.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.state == StateHalfOpen {
		b.open()
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.threshold {
		b.open()
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// ForceState sets the state directly, for operators and tests.
func (b *Breaker) ForceState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if s == StateOpen {
		b.openedAt = b.now()
	}
	if s != b.state {
		b.transition(s)
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.failures = 0
	b.transition(StateOpen)
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.observer.Observe(Event{Kind: EventState, Op: b.name, From: from, To: to})
}
