// Package telemetry forwards high priority errors to Sentry. Messages are
// scrubbed of URLs, credentials and addresses, and repeats are suppressed.
package telemetry

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/privacy"
)

// DefaultFlushTimeout bounds Flush on shutdown
const DefaultFlushTimeout = 2 * time.Second

// allowedContextKeys are the error context values safe to forward. Values
// are scrubbed as well.
var allowedContextKeys = map[string]bool{
	"operation":    true,
	"table":        true,
	"station_id":   true,
	"channel":      true,
	"job_id":       true,
	"species_code": true,
	"event_type":   true,
}

// Reporter implements errors.Reporter on top of a Sentry hub
type Reporter struct {
	hub   *sentry.Hub
	dedup *Deduplicator
	log   logger.Logger
}

// Option configures a Reporter
type Option func(*options)

type options struct {
	transport sentry.Transport
	dedup     DeduplicationConfig
	release   string
}

// WithTransport replaces the HTTP transport, used by tests
func WithTransport(t sentry.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithDeduplication overrides the deduplication settings
func WithDeduplication(c DeduplicationConfig) Option {
	return func(o *options) { o.dedup = c }
}

// WithRelease tags events with the build version
func WithRelease(version string) Option {
	return func(o *options) { o.release = "birdhub@" + version }
}

// NewReporter creates a reporter from settings. It returns nil, nil when
// error reporting is disabled.
func NewReporter(settings conf.SentrySettings, log logger.Logger, opts ...Option) (*Reporter, error) {
	if !settings.Enabled {
		return nil, nil
	}
	if log == nil {
		log = logger.Global().Module("telemetry")
	}

	o := options{dedup: DefaultDeduplicationConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	sampleRate := settings.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1.0
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              settings.DSN,
		Environment:      settings.Environment,
		Release:          o.release,
		SampleRate:       sampleRate,
		AttachStacktrace: false,
		ServerName:       "",
		Transport:        o.transport,
		BeforeSend:       applyPrivacyFilters,
	})
	if err != nil {
		return nil, errors.New(err).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	return &Reporter{
		hub:   sentry.NewHub(client, sentry.NewScope()),
		dedup: NewDeduplicator(o.dedup),
		log:   log,
	}, nil
}

// applyPrivacyFilters drops host and user details the SDK attaches itself
func applyPrivacyFilters(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}

// Install makes r the global error reporter
func (r *Reporter) Install() {
	if r == nil {
		return
	}
	errors.SetReporter(r)
	r.log.Info("error reporting enabled")
}

// ReportError implements errors.Reporter. Only high and critical priority
// errors are forwarded.
func (r *Reporter) ReportError(ee *errors.EnhancedError) {
	if r == nil || ee == nil || ee.IsReported() {
		return
	}
	priority := ee.GetPriority()
	if priority != errors.PriorityHigh && priority != errors.PriorityCritical {
		return
	}

	component := ee.GetComponent()
	category := ee.GetCategory()
	message := privacy.ScrubMessage(ee.Error())
	if !r.dedup.ShouldProcess(component, category, message) {
		r.log.Trace("duplicate error suppressed",
			logger.String("component", component),
			logger.String("category", category))
		return
	}

	title := fmt.Sprintf("%s: %s", component, category)
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("category", category)
		scope.SetTag("priority", priority)
		scope.SetContext("error", scrubContext(ee.GetContext()))
		scope.SetFingerprint([]string{component, category, message})

		event := sentry.NewEvent()
		event.Level = levelFor(priority)
		event.Message = message
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		event.Timestamp = ee.Timestamp
		r.hub.CaptureEvent(event)
	})
}

// scrubContext keeps allow-listed keys and scrubs their values
func scrubContext(ctx map[string]any) sentry.Context {
	out := sentry.Context{}
	for _, k := range slices.Sorted(maps.Keys(ctx)) {
		if !allowedContextKeys[k] {
			continue
		}
		out[k] = privacy.ScrubMessage(fmt.Sprint(ctx[k]))
	}
	return out
}

func levelFor(priority string) sentry.Level {
	if priority == errors.PriorityCritical {
		return sentry.LevelFatal
	}
	return sentry.LevelError
}

// Flush waits for queued events to be sent
func (r *Reporter) Flush(timeout time.Duration) bool {
	if r == nil {
		return true
	}
	return r.hub.Flush(timeout)
}

// Close uninstalls the reporter and flushes pending events
func (r *Reporter) Close() {
	if r == nil {
		return
	}
	errors.SetReporter(nil)
	if !r.Flush(DefaultFlushTimeout) {
		r.log.Warn("error reports not flushed before shutdown",
			logger.Duration("timeout", DefaultFlushTimeout))
	}
	seen, suppressed := r.dedup.Stats()
	r.log.Debug("error reporter closed",
		logger.Uint64("seen", seen),
		logger.Uint64("suppressed", suppressed))
}
