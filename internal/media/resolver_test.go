package media

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
)

func setupStore(t *testing.T) *datastore.DataStore {
	t.Helper()
	ds, err := datastore.OpenInMemory(logger.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })

	_, err = ds.UpsertSpecies(context.Background(), []datastore.Species{
		{Code: "eurbla", CommonName: "Eurasian Blackbird", ScientificName: "Turdus merula"},
		{Code: "gretit1", CommonName: "Great Tit", ScientificName: "Parus major"},
	})
	require.NoError(t, err)
	return ds
}

func strp(s string) *string { return &s }

var blackbird = Media{
	ImageURL:    "https://img.test/blackbird.jpg",
	ImageRights: "Jane Doe, CC BY-SA 4.0",
	AudioURL:    "https://audio.test/blackbird.ogg",
	AudioRights: "John Roe, CC BY 4.0",
}

// gateSource blocks every fetch until release is closed
type gateSource struct {
	calls   atomic.Int32
	release chan struct{}
	media   Media
}

func (g *gateSource) Name() string { return "gate" }

func (g *gateSource) FetchMedia(ctx context.Context, code, _ string, _ Fields) (Media, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
		m := g.media
		m.SpeciesCode = code
		return m, nil
	case <-ctx.Done():
		return Media{}, ctx.Err()
	}
}

func TestGetMedia_FetchesOnMissAndCaches(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	src := NewStaticSource(map[string]Media{"eurbla": blackbird})
	r := NewResolver(ds, src, logger.NewDiscardLogger())
	ctx := context.Background()

	m, err := r.GetMedia(ctx, "eurbla")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, blackbird.ImageURL, *m.ImageURL)
	assert.Equal(t, blackbird.AudioRights, *m.AudioRights)
	assert.Equal(t, 1, src.Calls())

	// complete rows are served without consulting the source
	_, err = r.GetMedia(ctx, "eurbla")
	require.NoError(t, err)
	_, err = r.RefreshMedia(ctx, "eurbla")
	require.NoError(t, err)
	assert.Equal(t, 1, src.Calls())
}

func TestGetMedia_FetchesOnlyMissingFields(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	ctx := context.Background()

	_, err := ds.MergeSpeciesMedia(ctx, &datastore.SpeciesMedia{
		SpeciesCode: "eurbla",
		ImageURL:    strp("https://img.test/original.jpg"),
		ImageRights: strp("Original Author"),
	})
	require.NoError(t, err)

	src := NewStaticSource(map[string]Media{"eurbla": blackbird})
	r := NewResolver(ds, src, logger.NewDiscardLogger())

	m, err := r.GetMedia(ctx, "eurbla")
	require.NoError(t, err)
	assert.Equal(t, "https://img.test/original.jpg", *m.ImageURL)
	assert.Equal(t, "Original Author", *m.ImageRights)
	assert.Equal(t, blackbird.AudioURL, *m.AudioURL)
	assert.True(t, m.Complete())
}

func TestGetMedia_SourceFailureReturnsCached(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	ctx := context.Background()

	_, err := ds.MergeSpeciesMedia(ctx, &datastore.SpeciesMedia{SpeciesCode: "eurbla", ImageURL: strp("https://img.test/a.jpg")})
	require.NoError(t, err)

	src := NewStaticSource(nil)
	src.SetError(errors.Newf("connection reset").Category(errors.CategoryNetwork).Build())
	r := NewResolver(ds, src, logger.NewDiscardLogger())

	m, err := r.GetMedia(ctx, "eurbla")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "https://img.test/a.jpg", *m.ImageURL)
	assert.Nil(t, m.AudioURL)

	// failures are not negatively cached, the next call tries again
	_, err = r.GetMedia(ctx, "eurbla")
	require.NoError(t, err)
	assert.Equal(t, 2, src.Calls())
}

func TestGetMedia_NegativeCache(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	src := NewStaticSource(nil)
	r := NewResolver(ds, src, logger.NewDiscardLogger())
	ctx := context.Background()

	for range 3 {
		m, err := r.GetMedia(ctx, "gretit1")
		require.NoError(t, err)
		assert.Nil(t, m)
	}
	assert.Equal(t, 1, src.Calls())

	// refresh bypasses the negative cache
	src.Set("gretit1", Media{ImageURL: "https://img.test/tit.jpg"})
	m, err := r.RefreshMedia(ctx, "gretit1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "https://img.test/tit.jpg", *m.ImageURL)
	assert.Equal(t, 2, src.Calls())
}

func TestGetMedia_UnknownOrEmptyCode(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	src := NewStaticSource(map[string]Media{"dodo": blackbird})
	r := NewResolver(ds, src, logger.NewDiscardLogger())

	m, err := r.GetMedia(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, m)

	// not in the taxonomy, so there is no scientific name to search for
	m, err = r.GetMedia(context.Background(), "dodo")
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 0, src.Calls())
}

func TestGetMedia_FetchTimeout(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	src := &gateSource{release: make(chan struct{})}
	r := NewResolver(ds, src, logger.NewDiscardLogger(), WithFetchTimeout(50*time.Millisecond))

	start := time.Now()
	m, err := r.GetMedia(context.Background(), "eurbla")
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGetMedia_CallerCancellation(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	src := &gateSource{release: make(chan struct{}), media: blackbird}
	r := NewResolver(ds, src, logger.NewDiscardLogger(), WithFetchTimeout(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	m, err := r.GetMedia(ctx, "eurbla")
	require.NoError(t, err)
	assert.Nil(t, m)

	// the detached fetch still completes and fills the row
	close(src.release)
	require.Eventually(t, func() bool {
		row, err := ds.GetSpeciesMedia(context.Background(), "eurbla")
		return err == nil && row.Complete()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetMedia_ConcurrentCallsShareOneFetch(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	src := &gateSource{release: make(chan struct{}), media: blackbird}
	r := NewResolver(ds, src, logger.NewDiscardLogger())

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan *datastore.SpeciesMedia, callers)
	for range callers {
		wg.Go(func() {
			m, err := r.GetMedia(context.Background(), "eurbla")
			assert.NoError(t, err)
			results <- m
		})
	}

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	close(src.release)
	wg.Wait()
	close(results)

	for m := range results {
		require.NotNil(t, m)
		assert.Equal(t, blackbird.ImageURL, *m.ImageURL)
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestRefreshMedia_ConcurrentNeverClearsImage(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	ctx := context.Background()

	_, err := ds.MergeSpeciesMedia(ctx, &datastore.SpeciesMedia{
		SpeciesCode: "eurbla",
		ImageURL:    strp("https://img.test/cached.jpg"),
	})
	require.NoError(t, err)

	// two independent resolvers behave like two API processes sharing the table
	failing := NewStaticSource(nil)
	failing.SetError(errors.Newf("audio backend down").Category(errors.CategoryNetwork).Build())
	working := NewStaticSource(map[string]Media{"eurbla": {
		ImageURL: "https://img.test/other.jpg",
		AudioURL: "https://audio.test/song.ogg",
	}})
	r1 := NewResolver(ds, failing, logger.NewDiscardLogger())
	r2 := NewResolver(ds, working, logger.NewDiscardLogger())

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() {
			_, err := r1.RefreshMedia(ctx, "eurbla")
			assert.NoError(t, err)
		})
		wg.Go(func() {
			_, err := r2.RefreshMedia(ctx, "eurbla")
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	m, err := ds.GetSpeciesMedia(ctx, "eurbla")
	require.NoError(t, err)
	assert.Equal(t, "https://img.test/cached.jpg", *m.ImageURL)
	require.NotNil(t, m.AudioURL)
	assert.Equal(t, "https://audio.test/song.ogg", *m.AudioURL)
}

func TestFields(t *testing.T) {
	t.Parallel()
	assert.True(t, FieldAll.Has(FieldImage))
	assert.True(t, FieldAll.Has(FieldAudio))
	assert.False(t, FieldImage.Has(FieldAll))
	assert.Equal(t, "image+audio", FieldAll.String())
	assert.Equal(t, "none", Fields(0).String())

	assert.Equal(t, FieldAll, missingFields(nil))
	assert.Equal(t, FieldAudio, missingFields(&datastore.SpeciesMedia{ImageURL: strp("x")}))
	assert.Equal(t, FieldImage, missingFields(&datastore.SpeciesMedia{ImageURL: strp(""), AudioURL: strp("y")}))
}
