package fanout

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
)

type countingStations struct {
	calls   atomic.Int32
	station *datastore.Station
}

func (s *countingStations) GetStation(_ context.Context, id string) (*datastore.Station, error) {
	s.calls.Add(1)
	if s.station == nil || s.station.ID != id {
		return nil, errors.New(datastore.ErrStationNotFound).Category(errors.CategoryNotFound).Build()
	}
	return s.station, nil
}

func TestCachedDirectory(t *testing.T) {
	t.Parallel()
	store := &countingStations{station: &datastore.Station{ID: "st-1", Name: "garden-pi", DisplayName: "Back Garden"}}
	dir := NewCachedDirectory(store, time.Minute, logger.NewDiscardLogger())
	ctx := context.Background()

	assert.Equal(t, "Back Garden", dir.DisplayName(ctx, "st-1"))
	assert.Equal(t, "Back Garden", dir.DisplayName(ctx, "st-1"))
	assert.Equal(t, int32(1), store.calls.Load())

	// misses fall back to the id and are retried
	assert.Equal(t, "st-9", dir.DisplayName(ctx, "st-9"))
	assert.Equal(t, "st-9", dir.DisplayName(ctx, "st-9"))
	assert.Equal(t, int32(3), store.calls.Load())

	store.station.DisplayName = ""
	dir.Forget("st-1")
	assert.Equal(t, "garden-pi", dir.DisplayName(ctx, "st-1"))
}
