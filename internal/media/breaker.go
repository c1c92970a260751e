package media

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/observability/metrics"
)

// BreakerSource stops calling a failing source for a while. Not-found
// answers and caller cancellations do not count as failures.
type BreakerSource struct {
	next Source
	cb   *gobreaker.CircuitBreaker[Media]
	log  logger.Logger
}

// NewBreakerSource wraps next with a circuit breaker configured from settings
func NewBreakerSource(next Source, settings conf.BreakerSettings, m *metrics.MediaMetrics, log logger.Logger) *BreakerSource {
	if log == nil {
		log = logger.Global().Module("media")
	}
	failures := settings.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	halfOpen := settings.HalfOpenRequests
	if halfOpen == 0 {
		halfOpen = 1
	}
	openTimeout := settings.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = time.Minute
	}

	b := &BreakerSource{next: next, log: log}
	name := next.Name()
	m.SetBreakerState(name, stateToInt(gobreaker.StateClosed))

	b.cb = gobreaker.NewCircuitBreaker[Media](gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpen,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("media source breaker state changed",
				logger.String("source", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()))
			m.SetBreakerState(name, stateToInt(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.IsNotFound(err) ||
				errors.Is(err, context.Canceled)
		},
	})
	return b
}

// Name implements Source
func (b *BreakerSource) Name() string {
	return b.next.Name()
}

// FetchMedia implements Source
func (b *BreakerSource) FetchMedia(ctx context.Context, code, scientificName string, want Fields) (Media, error) {
	media, err := b.cb.Execute(func() (Media, error) {
		return b.next.FetchMedia(ctx, code, scientificName, want)
	})
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		return Media{}, errors.New(err).
			Component("media").
			Category(errors.CategoryMediaFetch).
			Context("source", b.next.Name()).
			Context("species_code", code).
			Context("breaker_state", b.cb.State().String()).
			Build()
	}
	return media, err
}

// State returns the current breaker state
func (b *BreakerSource) State() gobreaker.State {
	return b.cb.State()
}

func stateToInt(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
