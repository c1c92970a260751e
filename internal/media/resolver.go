package media

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/observability/metrics"
)

const (
	DefaultFetchTimeout = 3 * time.Second
	DefaultNegativeTTL  = 15 * time.Minute
	mergeTimeout        = 5 * time.Second
)

// Store is the slice of the datastore the resolver needs
type Store interface {
	GetSpecies(ctx context.Context, code string) (*datastore.Species, error)
	GetSpeciesMedia(ctx context.Context, code string) (*datastore.SpeciesMedia, error)
	MergeSpeciesMedia(ctx context.Context, media *datastore.SpeciesMedia) (*datastore.SpeciesMedia, error)
}

// Resolver implements the cache-then-fetch media policy
type Resolver struct {
	store        Store
	source       Source
	fetchTimeout time.Duration
	negative     *cache.Cache // species codes the source recently had nothing for
	group        singleflight.Group
	metrics      *metrics.MediaMetrics
	log          logger.Logger
}

// Option configures a Resolver
type Option func(*Resolver)

// WithFetchTimeout bounds one remote fetch
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// WithNegativeTTL sets how long a source miss suppresses further GetMedia fetches
func WithNegativeTTL(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.negative = cache.New(d, 2*d)
		}
	}
}

// WithMetrics attaches media metrics
func WithMetrics(m *metrics.MediaMetrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a media resolver. A nil source makes the resolver cache-only.
func NewResolver(store Store, source Source, log logger.Logger, opts ...Option) *Resolver {
	if log == nil {
		log = logger.Global().Module("media")
	}
	r := &Resolver{
		store:        store,
		source:       source,
		fetchTimeout: DefaultFetchTimeout,
		negative:     cache.New(DefaultNegativeTTL, 2*DefaultNegativeTTL),
		log:          log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetMedia returns the cached media for a species code, fetching whatever is
// missing first. Source failures and timeouts are logged and the cached row is
// returned as is, which may be partial or nil. Only store failures are errors.
func (r *Resolver) GetMedia(ctx context.Context, code string) (*datastore.SpeciesMedia, error) {
	return r.resolve(ctx, code, false)
}

// RefreshMedia is GetMedia without the negative cache: the source is always
// consulted for missing fields.
func (r *Resolver) RefreshMedia(ctx context.Context, code string) (*datastore.SpeciesMedia, error) {
	return r.resolve(ctx, code, true)
}

func (r *Resolver) resolve(ctx context.Context, code string, force bool) (*datastore.SpeciesMedia, error) {
	if code == "" {
		return nil, nil
	}

	cached, err := r.cached(ctx, code)
	if err != nil {
		return nil, err
	}
	if cached.Complete() {
		r.metrics.IncrementCacheHits()
		return cached, nil
	}
	if r.source == nil {
		return cached, nil
	}
	if !force {
		if _, miss := r.negative.Get(code); miss {
			r.log.Trace("media source miss cached", logger.String("species_code", code))
			return cached, nil
		}
	}
	r.metrics.IncrementCacheMisses()

	// Concurrent resolutions of one code share a single fetch. The fetch is
	// detached from the caller so a caller giving up does not waste the result.
	ch := r.group.DoChan(code, func() (any, error) {
		return r.fetchAndMerge(context.WithoutCancel(ctx), code)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return cached, res.Err
		}
		merged, _ := res.Val.(*datastore.SpeciesMedia)
		if merged == nil {
			return cached, nil
		}
		return merged, nil
	case <-ctx.Done():
		r.log.Debug("caller stopped waiting for media fetch",
			logger.String("species_code", code),
			logger.Error(ctx.Err()))
		return cached, nil
	}
}

func (r *Resolver) cached(ctx context.Context, code string) (*datastore.SpeciesMedia, error) {
	m, err := r.store.GetSpeciesMedia(ctx, code)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// fetchAndMerge runs inside the singleflight group. Only store failures are
// returned as errors; source problems degrade to the cached row.
func (r *Resolver) fetchAndMerge(ctx context.Context, code string) (*datastore.SpeciesMedia, error) {
	// another flight may have filled the row since the caller looked
	cached, err := r.cached(ctx, code)
	if err != nil {
		return nil, err
	}
	want := missingFields(cached)
	if want == 0 {
		return cached, nil
	}

	scientificName := ""
	if sp, err := r.store.GetSpecies(ctx, code); err == nil {
		scientificName = sp.ScientificName
	} else if !errors.IsNotFound(err) {
		return cached, err
	}
	if scientificName == "" {
		r.log.Debug("species code not in taxonomy, skipping media fetch", logger.String("species_code", code))
		r.negative.SetDefault(code, struct{}{})
		return cached, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	start := time.Now()
	fetched, err := r.source.FetchMedia(fetchCtx, code, scientificName, want)
	elapsed := time.Since(start)
	if err != nil {
		status := metrics.StatusError
		switch {
		case errors.IsNotFound(err):
			status = metrics.StatusSkipped
			r.negative.SetDefault(code, struct{}{})
			r.log.Debug("no media at source",
				logger.String("species_code", code),
				logger.String("want", want.String()))
		case errors.Is(err, context.DeadlineExceeded) || fetchCtx.Err() != nil:
			status = metrics.StatusTimeout
			r.log.Warn("media fetch timed out",
				logger.String("species_code", code),
				logger.Duration("timeout", r.fetchTimeout))
		default:
			r.log.Warn("media fetch failed",
				logger.String("species_code", code),
				logger.String("source", r.source.Name()),
				logger.Error(err))
		}
		r.metrics.RecordFetch(r.source.Name(), status, elapsed)
		return cached, nil
	}
	r.metrics.RecordFetch(r.source.Name(), metrics.StatusSuccess, elapsed)

	row := toRow(code, fetched, want)
	if row.ImageURL == nil && row.AudioURL == nil {
		r.negative.SetDefault(code, struct{}{})
		return cached, nil
	}

	mergeCtx, cancelMerge := context.WithTimeout(ctx, mergeTimeout)
	defer cancelMerge()
	merged, err := r.store.MergeSpeciesMedia(mergeCtx, row)
	if err != nil {
		return cached, err
	}
	r.log.Debug("species media updated",
		logger.String("species_code", code),
		logger.String("fetched", want.String()),
		logger.Bool("complete", merged.Complete()))
	return merged, nil
}
