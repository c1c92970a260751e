package media

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
)

func TestBreakerSource_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	inner := NewStaticSource(nil)
	inner.SetError(errors.Newf("503 from upstream").Category(errors.CategoryMediaFetch).Build())

	b := NewBreakerSource(inner, conf.BreakerSettings{
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Hour,
	}, nil, logger.NewDiscardLogger())
	ctx := context.Background()

	for range 2 {
		_, err := b.FetchMedia(ctx, "eurbla", "Turdus merula", FieldAll)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.FetchMedia(ctx, "eurbla", "Turdus merula", FieldAll)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, errors.IsCategory(err, errors.CategoryMediaFetch))
	assert.Equal(t, 2, inner.Calls(), "open breaker must not reach the source")
}

func TestBreakerSource_NotFoundIsNotAFailure(t *testing.T) {
	t.Parallel()
	inner := NewStaticSource(nil)
	b := NewBreakerSource(inner, conf.BreakerSettings{ConsecutiveFailures: 2}, nil, logger.NewDiscardLogger())

	for range 5 {
		_, err := b.FetchMedia(context.Background(), "dodo", "Raphus cucullatus", FieldAll)
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, 5, inner.Calls())
	assert.Equal(t, "static", b.Name())
}

func TestBreakerSource_PassesResults(t *testing.T) {
	t.Parallel()
	inner := NewStaticSource(map[string]Media{"eurbla": blackbird})
	b := NewBreakerSource(inner, conf.BreakerSettings{}, nil, logger.NewDiscardLogger())

	m, err := b.FetchMedia(context.Background(), "eurbla", "Turdus merula", FieldAudio)
	require.NoError(t, err)
	assert.Empty(t, m.ImageURL)
	assert.Equal(t, blackbird.AudioURL, m.AudioURL)
}
