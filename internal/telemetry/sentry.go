package telemetry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// Sentry forwards relay error events to a Sentry project. A zero DSN yields
// a disabled sink so callers never branch.
type Sentry struct {
	enabled bool
}

// Options configure the Sentry client.
type Options struct {
	DSN         string
	Environment string
	Release     string
}

// Init starts the Sentry client. An empty DSN returns a no-op sink.
func Init(opts Options) (*Sentry, error) {
	if opts.DSN == "" {
		return &Sentry{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
	})
	if err != nil {
		return nil, err
	}
	return &Sentry{enabled: true}, nil
}

// CaptureError ships one classified error with its tags.
func (s *Sentry) CaptureError(_ context.Context, err error, tags map[string]string) {
	if s == nil || !s.enabled || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

// Close flushes buffered events before shutdown.
func (s *Sentry) Close(timeout time.Duration) {
	if s == nil || !s.enabled {
		return
	}
	sentry.Flush(timeout)
}
