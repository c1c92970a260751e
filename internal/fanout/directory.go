package fanout

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/logger"
)

// DefaultDirectoryTTL bounds how long a station display name is cached
const DefaultDirectoryTTL = 10 * time.Minute

// StationStore loads stations for the directory
type StationStore interface {
	GetStation(ctx context.Context, id string) (*datastore.Station, error)
}

// CachedDirectory serves station display names through a TTL cache
type CachedDirectory struct {
	store StationStore
	cache *cache.Cache
	log   logger.Logger
}

// NewCachedDirectory creates a directory. A non-positive ttl uses DefaultDirectoryTTL.
func NewCachedDirectory(store StationStore, ttl time.Duration, log logger.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = DefaultDirectoryTTL
	}
	if log == nil {
		log = logger.Global().Module("fanout")
	}
	return &CachedDirectory{
		store: store,
		cache: cache.New(ttl, ttl*2),
		log:   log,
	}
}

// DisplayName returns the station label, or the id itself when the station
// cannot be loaded. Failures are not cached.
func (d *CachedDirectory) DisplayName(ctx context.Context, stationID string) string {
	if v, ok := d.cache.Get(stationID); ok {
		return v.(string)
	}

	st, err := d.store.GetStation(ctx, stationID)
	if err != nil {
		d.log.Debug("station display name unavailable",
			logger.String("station_id", stationID),
			logger.Error(err))
		return stationID
	}

	name := st.Label()
	d.cache.SetDefault(stationID, name)
	return name
}

// Forget drops a cached name, e.g. after the station was renamed
func (d *CachedDirectory) Forget(stationID string) {
	d.cache.Delete(stationID)
}
