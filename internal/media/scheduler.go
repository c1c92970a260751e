package media

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/observability/metrics"
)

// CandidateLister lists species codes whose media row is incomplete
type CandidateLister interface {
	ListIncompleteMedia(ctx context.Context, limit int) ([]datastore.MediaCandidate, error)
}

// Refresher is the part of the Resolver the sweep drives
type Refresher interface {
	RefreshMedia(ctx context.Context, code string) (*datastore.SpeciesMedia, error)
}

// RefreshScheduler periodically refreshes media for detected species that
// still lack an image or a recording.
type RefreshScheduler struct {
	cron      *cron.Cron
	spec      string // cron spec, e.g. "@every 6h"
	batch     int
	lister    CandidateLister
	refresher Refresher
	metrics   *metrics.MediaMetrics
	log       logger.Logger
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Candidates int
	Completed  int
	Failed     int
}

// NewRefreshScheduler creates the scheduler. batch bounds the codes refreshed per sweep.
func NewRefreshScheduler(spec string, batch int, lister CandidateLister, refresher Refresher, m *metrics.MediaMetrics, log logger.Logger) *RefreshScheduler {
	if log == nil {
		log = logger.Global().Module("media")
	}
	if batch <= 0 {
		batch = 50
	}
	return &RefreshScheduler{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		spec:      spec,
		batch:     batch,
		lister:    lister,
		refresher: refresher,
		metrics:   m,
		log:       log,
	}
}

// Start registers the sweep and starts the cron loop. The job runs with ctx
// so cancelling it aborts an ongoing sweep.
func (s *RefreshScheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Warn("media refresh sweep failed", logger.Error(err))
		}
	}); err != nil {
		return errors.New(err).
			Component("media").
			Category(errors.CategoryConfiguration).
			Context("refresh_schedule", s.spec).
			Build()
	}
	s.cron.Start()
	s.log.Info("media refresh scheduler started", logger.String("schedule", s.spec))
	return nil
}

// Stop stops the scheduler and waits for a running sweep to return
func (s *RefreshScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("media refresh scheduler stopped")
}

// Sweep refreshes one batch of incomplete species
func (s *RefreshScheduler) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	candidates, err := s.lister.ListIncompleteMedia(ctx, s.batch)
	if err != nil {
		s.metrics.RecordRefreshSweep(metrics.StatusError)
		return SweepResult{}, err
	}

	res := SweepResult{Candidates: len(candidates)}
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		m, err := s.refresher.RefreshMedia(ctx, c.SpeciesCode)
		switch {
		case err != nil:
			res.Failed++
			s.log.Debug("media refresh failed",
				logger.String("species_code", c.SpeciesCode),
				logger.Error(err))
		case m.Complete():
			res.Completed++
		}
	}

	s.metrics.RecordRefreshSweep(metrics.StatusSuccess)
	s.log.Info("media refresh sweep finished",
		logger.Int("candidates", res.Candidates),
		logger.Int("completed", res.Completed),
		logger.Int("failed", res.Failed),
		logger.Duration("duration", time.Since(start)))
	return res, ctx.Err()
}
