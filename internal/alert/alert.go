// Package alert reports operational failures to the operator.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/referral-distributor/internal/config"
	"github.com/referral-distributor/internal/logging"
)

// Notifier reports a failure that needs operator attention
type Notifier interface {
	Notify(ctx context.Context, subject string, err error)
	Close()
}

type tagsKey struct{}

// WithTags returns a context whose notifications carry tags
func WithTags(ctx context.Context, tags map[string]string) context.Context {
	merged := make(map[string]string)
	for k, v := range tagsFromContext(ctx) {
		merged[k] = v
	}
	for k, v := range tags {
		merged[k] = v
	}
	return context.WithValue(ctx, tagsKey{}, merged)
}

func tagsFromContext(ctx context.Context) map[string]string {
	tags, _ := ctx.Value(tagsKey{}).(map[string]string)
	return tags
}

// NewNotifier returns a Sentry notifier when a DSN is configured and a
// log-only notifier otherwise
func NewNotifier(cfg config.AlertsConfig) (Notifier, error) {
	if cfg.SentryDSN == "" {
		return LogNotifier{}, nil
	}
	return NewSentryNotifier(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
	})
}

// LogNotifier writes notifications to the log
type LogNotifier struct{}

// Notify logs the failure at error level
func (LogNotifier) Notify(ctx context.Context, subject string, err error) {
	logger := logging.FromContext(ctx)
	for k, v := range tagsFromContext(ctx) {
		logger = logger.WithField(k, v)
	}
	logger.WithError(err).Error(subject)
}

// Close is a no-op
func (LogNotifier) Close() {}

// SentryNotifier reports failures as Sentry events and logs them
type SentryNotifier struct {
	hub *sentry.Hub
}

// NewSentryNotifier creates a notifier with its own Sentry client
func NewSentryNotifier(opts sentry.ClientOptions) (*SentryNotifier, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &SentryNotifier{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Notify captures err with the context's tags
func (n *SentryNotifier) Notify(ctx context.Context, subject string, err error) {
	LogNotifier{}.Notify(ctx, subject, err)

	n.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("subject", subject)
		for k, v := range tagsFromContext(ctx) {
			scope.SetTag(k, v)
		}
		if err != nil {
			n.hub.CaptureException(err)
			return
		}
		n.hub.CaptureMessage(subject)
	})
}

// Close flushes buffered events
func (n *SentryNotifier) Close() {
	n.hub.Flush(2 * time.Second)
}

// OnceNotifier forwards the first notification of a failure streak and
// drops the rest until Reset
type OnceNotifier struct {
	next Notifier

	mu       sync.Mutex
	notified bool
}

// NewOnceNotifier wraps next
func NewOnceNotifier(next Notifier) *OnceNotifier {
	return &OnceNotifier{next: next}
}

// Notify forwards the notification unless one was already sent
func (n *OnceNotifier) Notify(ctx context.Context, subject string, err error) {
	n.mu.Lock()
	if n.notified {
		n.mu.Unlock()
		logging.FromContext(ctx).WithError(err).Warn(subject)
		return
	}
	n.notified = true
	n.mu.Unlock()

	n.next.Notify(ctx, subject, err)
}

// Reset ends the current failure streak
func (n *OnceNotifier) Reset() {
	n.mu.Lock()
	n.notified = false
	n.mu.Unlock()
}

// Close closes the wrapped notifier
func (n *OnceNotifier) Close() {
	n.next.Close()
}
