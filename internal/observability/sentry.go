// Package observability sets up error reporting and tracing.
package observability

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/btouchard/stride/internal/config"
	"github.com/btouchard/stride/internal/errs"
	"github.com/btouchard/stride/internal/resilience"
)

// InitSentry configures the global Sentry client. It is a no-op without a DSN.
func InitSentry(cfg config.TelemetryConfig, environment, release string) error {
	if cfg.SentryDSN == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      environment,
		Release:          release,
		SampleRate:       cfg.SentrySampleRate,
		AttachStacktrace: true,
	})
}

// FlushSentry waits for buffered events to be sent.
func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// SentryObserver reports unrecoverable resilience events: retry budgets
// exhausted on transient errors and breakers opening.
type SentryObserver struct {
	hub *sentry.Hub
}

// NewSentryObserver reports through hub, or the current hub when nil.
func NewSentryObserver(hub *sentry.Hub) *SentryObserver {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryObserver{hub: hub}
}

func (o *SentryObserver) Observe(e resilience.Event) {
	switch {
	case e.Kind == resilience.EventGiveUp && e.Exhausted:
		o.capture(e, sentry.LevelError)
	case e.Kind == resilience.EventState && e.To == resilience.StateOpen:
		o.hub.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(sentry.LevelWarning)
			scope.SetTag("op", e.Op)
			o.hub.CaptureMessage("circuit breaker opened: " + e.Op)
		})
	}
}

func (o *SentryObserver) capture(e resilience.Event, level sentry.Level) {
	if e.Err == nil {
		return
	}
	o.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		scope.SetTag("op", e.Op)
		scope.SetTag("error_code", errs.Code(e.Err))
		scope.SetContext("retry", sentry.Context{"attempts": e.Attempt})
		o.hub.CaptureException(e.Err)
	})
}

// CaptureError reports err with tags on the current hub.
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetTag("error_code", errs.Code(err))
		sentry.CaptureException(err)
	})
}
