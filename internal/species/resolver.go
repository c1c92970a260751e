// Package species maps reported species names to canonical taxonomy codes.
package species

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
)

const (
	// DefaultCacheTTL bounds how long a resolved code is memoized
	DefaultCacheTTL = 30 * time.Minute
	// DefaultMissTTL bounds how long a miss is memoized. Taxonomy imports run
	// in another process, so a new species is picked up once its miss expires.
	DefaultMissTTL = time.Minute
)

// Store is the taxonomy lookup the resolver needs
type Store interface {
	FindSpecies(ctx context.Context, key string) (*datastore.Species, error)
}

// Resolver resolves species codes with an in-memory TTL cache in front of the store
type Resolver struct {
	store   Store
	cache   *cache.Cache
	missTTL time.Duration
	log     logger.Logger
}

// Option configures a Resolver
type Option func(*Resolver)

// WithMissTTL sets how long a miss is memoized. It never exceeds the hit TTL.
func WithMissTTL(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.missTTL = d
		}
	}
}

// NewResolver creates a resolver. A non-positive ttl uses DefaultCacheTTL.
func NewResolver(store Store, ttl time.Duration, log logger.Logger, opts ...Option) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log == nil {
		log = logger.Global().Module("species")
	}
	r := &Resolver{
		store:   store,
		cache:   cache.New(ttl, ttl*2),
		missTTL: DefaultMissTTL,
		log:     log,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.missTTL = min(r.missTTL, ttl)
	return r
}

// ResolveSpeciesCode returns the taxonomy code for a species, trying the
// scientific name before the common name. Matching is case-insensitive.
// A miss returns nil without error; only store failures are returned.
func (r *Resolver) ResolveSpeciesCode(ctx context.Context, commonName, scientificName string) (*string, error) {
	for _, name := range []string{scientificName, commonName} {
		key := datastore.NormalizeSpeciesKey(name)
		if key == "" {
			continue
		}
		code, err := r.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if code != "" {
			return &code, nil
		}
	}

	r.log.Debug("species not in taxonomy",
		logger.String("common_name", commonName),
		logger.String("scientific_name", scientificName))
	return nil, nil
}

// lookup returns the code for one folded key, "" on a miss
func (r *Resolver) lookup(ctx context.Context, key string) (string, error) {
	if cached, found := r.cache.Get(key); found {
		if code, ok := cached.(string); ok {
			return code, nil
		}
	}

	sp, err := r.store.FindSpecies(ctx, key)
	switch {
	case err == nil:
		r.cache.Set(key, sp.Code, cache.DefaultExpiration)
		return sp.Code, nil
	case errors.IsNotFound(err):
		// misses are memoized too so unknown species don't hit the store on every detection
		r.cache.Set(key, "", r.missTTL)
		return "", nil
	default:
		return "", errors.New(err).
			Component("species").
			Category(errors.CategoryDatabase).
			Context("operation", "resolve_species_code").
			Context("key", key).
			Build()
	}
}

// Invalidate drops every memoized lookup, used after an in-process taxonomy import
func (r *Resolver) Invalidate() {
	r.cache.Flush()
}
