package resilience

import (
	"log/slog"
	"time"
)

// EventKind identifies what happened during a guarded call.
type EventKind string

const (
	EventRetry   EventKind = "retry"
	EventSuccess EventKind = "success"
	EventGiveUp  EventKind = "give_up"
	EventState   EventKind = "breaker_state"
)

// Event is reported to an Observer.
type Event struct {
	Kind      EventKind
	Op        string
	Attempt   int
	Delay     time.Duration
	Err       error
	Exhausted bool
	From, To  State
}

// Observer receives retry and breaker events. Implementations must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) Observe(Event) {}

// MultiObserver fans an event out to every observer.
type MultiObserver []Observer

func (m MultiObserver) Observe(e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(e)
		}
	}
}

// LogObserver writes events to slog.
type LogObserver struct {
	Logger *slog.Logger
}

func (l LogObserver) Observe(e Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch e.Kind {
	case EventRetry:
		logger.Warn("retrying after transient failure",
			"op", e.Op,
			"attempt", e.Attempt,
			"delay", e.Delay,
			"error", e.Err)
	case EventGiveUp:
		logger.Error("giving up",
			"op", e.Op,
			"attempts", e.Attempt,
			"exhausted", e.Exhausted,
			"error", e.Err)
	case EventState:
		logger.Warn("circuit breaker state changed",
			"op", e.Op,
			"from", e.From,
			"to", e.To)
	case EventSuccess:
		if e.Attempt > 1 {
			logger.Info("succeeded after retry", "op", e.Op, "attempts", e.Attempt)
		}
	}
}
