package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
	tu "github.com/desertthunder/waveline/internal/testing"
)

func TestRegistry(t *testing.T) {
	song := tu.MockTrack("alpha", "a1", "Song", "Artist")
	alpha := &tu.MockSource{
		SourceName: "alpha",
		Prefixes:   []string{"asearch"},
		Results: map[string]*models.LoadResult{
			"https://alpha.test/a1": models.TrackResult(song),
			"song":                  models.SearchResult([]models.Track{song}),
		},
	}
	beta := &tu.MockSource{
		SourceName: "beta",
		Prefixes:   []string{"asearch", "bsearch"},
		Results: map[string]*models.LoadResult{
			"https://alpha.test/a1": models.EmptyResult(),
		},
	}

	newRegistry := func() *Registry {
		r := NewRegistry(nil)
		r.Register(alpha)
		r.Register(beta)
		return r
	}

	t.Run("Names keep registration order", func(t *testing.T) {
		r := newRegistry()
		assert.Equal(t, []string{"alpha", "beta"}, r.Names())
		src, ok := r.Get("beta")
		require.True(t, ok)
		assert.Equal(t, "beta", src.Name())
		_, ok = r.Get("gamma")
		assert.False(t, ok)
	})

	t.Run("Empty identifier", func(t *testing.T) {
		res := newRegistry().LoadItem(context.Background(), "   ")
		exc, ok := res.Exception()
		require.True(t, ok)
		assert.Equal(t, models.SeverityCommon, exc.Severity)
	})

	t.Run("First matching source wins", func(t *testing.T) {
		res := newRegistry().LoadItem(context.Background(), "https://alpha.test/a1")
		assert.Equal(t, models.LoadTypeTrack, res.LoadType)
		track, ok := res.First()
		require.True(t, ok)
		assert.Equal(t, "a1", track.Info.Identifier)
	})

	t.Run("Prefix belongs to the first source claiming it", func(t *testing.T) {
		res := newRegistry().LoadItem(context.Background(), "asearch:song")
		assert.Equal(t, models.LoadTypeSearch, res.LoadType)
	})

	t.Run("Disabled search yields empty", func(t *testing.T) {
		r := newRegistry()
		r.DisableSearch("asearch")
		res := r.LoadItem(context.Background(), "asearch:song")
		assert.Equal(t, models.LoadTypeEmpty, res.LoadType)
	})

	t.Run("Blank query yields empty", func(t *testing.T) {
		res := newRegistry().LoadItem(context.Background(), "bsearch:  ")
		assert.Equal(t, models.LoadTypeEmpty, res.LoadType)
	})

	t.Run("No match yields empty", func(t *testing.T) {
		res := newRegistry().LoadItem(context.Background(), "https://nowhere.test/")
		assert.Equal(t, models.LoadTypeEmpty, res.LoadType)
	})

	t.Run("Error severities", func(t *testing.T) {
		tests := []struct {
			name     string
			err      error
			severity models.Severity
			message  string
		}{
			{"friendly", shared.Friendly("Video unavailable.", errors.New("410")), models.SeverityCommon, "Video unavailable."},
			{"upstream", &StatusError{Service: "x", StatusCode: 500}, models.SeveritySuspicious, ""},
			{"disabled", shared.ErrSourceDisabled, models.SeveritySuspicious, ""},
			{"bug", errors.New("nil map"), models.SeverityFault, ""},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				r := NewRegistry(nil)
				r.Register(&tu.MockSource{
					SourceName: "broken",
					Results:    map[string]*models.LoadResult{"x://1": nil},
					Err:        tt.err,
				})

				res := r.LoadItem(context.Background(), "x://1")
				exc, ok := res.Exception()
				require.True(t, ok)
				assert.Equal(t, tt.severity, exc.Severity)
				if tt.message != "" {
					assert.Equal(t, tt.message, exc.Message)
				}
			})
		}
	})

	t.Run("Observer sees every load", func(t *testing.T) {
		r := newRegistry()
		var mu sync.Mutex
		seen := map[string]models.LoadType{}
		r.Observe(func(source string, lt models.LoadType) {
			mu.Lock()
			defer mu.Unlock()
			seen[source] = lt
		})

		r.LoadItem(context.Background(), "https://alpha.test/a1")
		r.LoadItem(context.Background(), "bsearch:nothing")
		assert.Equal(t, map[string]models.LoadType{"alpha": models.LoadTypeTrack, "beta": models.LoadTypeEmpty}, seen)
	})

	t.Run("StreamURL", func(t *testing.T) {
		r := newRegistry()
		u, err := r.StreamURL(context.Background(), song.Info)
		require.NoError(t, err)
		assert.Equal(t, "mock://a1", u)

		_, err = r.StreamURL(context.Background(), models.TrackInfo{SourceName: "gamma"})
		assert.ErrorIs(t, err, shared.ErrSourceDisabled)
	})

	t.Run("Disabled managers", func(t *testing.T) {
		r := newRegistry()
		r.MarkDisabled("twitch", "vimeo")
		assert.Equal(t, []string{"twitch", "vimeo"}, r.Disabled())
	})
}

type memoryCache struct {
	tracks map[string]models.Track
	puts   int
}

func (m *memoryCache) CachedByISRC(isrc string) (models.Track, bool) {
	t, ok := m.tracks[isrc]
	return t, ok
}

func (m *memoryCache) CacheTrack(source, identifier, isrc string, track models.Track) error {
	m.tracks[isrc] = track
	m.puts++
	return nil
}

func TestMirror(t *testing.T) {
	providers := []string{`ytsearch:"%ISRC%"`, "ytsearch:%QUERY%"}
	isrcHit := tu.MockTrack("youtube", "isrc-video", "Song", "Artist")
	queryHit := tu.MockTrack("youtube", "query-video", "Song", "Artist")

	info := models.TrackInfo{
		Identifier: "sp1",
		Title:      "Song",
		Author:     "Artist",
		ISRC:       models.StringPtr("USRC17607839"),
		SourceName: "spotify",
	}

	t.Run("Templates", func(t *testing.T) {
		m := NewMirror(NewRegistry(nil), providers, nil, nil)
		assert.Equal(t, []string{`ytsearch:"USRC17607839"`, "ytsearch:Song - Artist"}, m.Templates(info))

		noISRC := info
		noISRC.ISRC = nil
		assert.Equal(t, []string{"ytsearch:Song - Artist"}, m.Templates(noISRC))
	})

	t.Run("ISRC hit is cached", func(t *testing.T) {
		yt := &tu.MockSource{
			SourceName: "youtube",
			Prefixes:   []string{"ytsearch"},
			Results: map[string]*models.LoadResult{
				`"USRC17607839"`: models.SearchResult([]models.Track{isrcHit}),
			},
		}
		r := NewRegistry(nil)
		r.Register(yt)
		cache := &memoryCache{tracks: map[string]models.Track{}}
		m := NewMirror(r, providers, cache, nil)

		track, err := m.Resolve(context.Background(), info)
		require.NoError(t, err)
		assert.Equal(t, "isrc-video", track.Info.Identifier)
		assert.Equal(t, 1, cache.puts)

		track, err = m.Resolve(context.Background(), info)
		require.NoError(t, err)
		assert.Equal(t, "isrc-video", track.Info.Identifier)
		assert.Equal(t, 1, yt.CallCount(), "second resolve should be served from cache")
	})

	t.Run("Falls back to query", func(t *testing.T) {
		r := NewRegistry(nil)
		r.Register(&tu.MockSource{
			SourceName: "youtube",
			Prefixes:   []string{"ytsearch"},
			Results: map[string]*models.LoadResult{
				"Song - Artist": models.SearchResult([]models.Track{queryHit}),
			},
		})
		cache := &memoryCache{tracks: map[string]models.Track{}}
		m := NewMirror(r, providers, cache, nil)

		track, err := m.Resolve(context.Background(), info)
		require.NoError(t, err)
		assert.Equal(t, "query-video", track.Info.Identifier)
		assert.Zero(t, cache.puts, "query hits are not cached")
	})

	t.Run("Nothing found", func(t *testing.T) {
		r := NewRegistry(nil)
		r.Register(&tu.MockSource{SourceName: "youtube", Prefixes: []string{"ytsearch"}})
		m := NewMirror(r, providers, nil, nil)

		_, err := m.Resolve(context.Background(), info)
		assert.ErrorIs(t, err, shared.ErrTrackNotFound)
	})

	t.Run("StreamURL through mirror", func(t *testing.T) {
		r := NewRegistry(nil)
		r.Register(&tu.MockSource{
			SourceName: "youtube",
			Prefixes:   []string{"ytsearch"},
			Results: map[string]*models.LoadResult{
				"Song - Artist": models.SearchResult([]models.Track{queryHit}),
			},
		})
		m := NewMirror(r, providers, nil, nil)

		u, played, err := m.StreamURL(context.Background(), info)
		require.NoError(t, err)
		assert.Equal(t, "mock://query-video", u)
		assert.Equal(t, "youtube", played.SourceName)

		direct := queryHit.Info
		u, played, err = m.StreamURL(context.Background(), direct)
		require.NoError(t, err)
		assert.Equal(t, "mock://query-video", u)
		assert.Equal(t, direct, played)
	})
}
