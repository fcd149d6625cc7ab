package formatter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
	th "github.com/desertthunder/waveline/internal/testing"
)

func playlistResult() *models.LoadResult {
	one := th.MockTrack("youtube", "abc", "Song One", "Artist One")
	one.Info.URI = models.StringPtr("https://youtube.com/watch?v=abc")
	one.Info.ISRC = models.StringPtr("USRC12345678")
	two := th.MockTrack("youtube", "def", "Song Two", "Artist Two")
	two.Info.Length = 3723000
	live := th.MockTrack("http", "radio", "Radio", "Station")
	live.Info.IsStream = true
	return models.PlaylistResult("Test Playlist", -1, []models.Track{one, two, live})
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"json", FormatJSON, false},
		{"csv", FormatCSV, false},
		{"md", FormatMarkdown, false},
		{"markdown", FormatMarkdown, false},
		{"text", FormatText, false},
		{"txt", FormatText, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, shared.ErrInvalidFlag)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[int64]string{
		0:       "0:00",
		180000:  "3:00",
		61500:   "1:01",
		3723000: "1:02:03",
	}
	for ms, want := range tests {
		assert.Equal(t, want, FormatDuration(ms), "FormatDuration(%d)", ms)
	}
}

func TestExporters(t *testing.T) {
	t.Run("ToCSV", func(t *testing.T) {
		data, err := ToCSV(playlistResult())
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 4, "header + 3 tracks")
		assert.Equal(t, "Source,Identifier,Title,Author,Duration,ISRC,URI,Encoded", lines[0])
		assert.True(t, strings.HasPrefix(lines[1], "youtube,abc,Song One,Artist One,180000,USRC12345678,https://youtube.com/watch?v=abc,"),
			"unexpected first record: %s", lines[1])
	})

	t.Run("ToMarkdown", func(t *testing.T) {
		t.Run("without artwork", func(t *testing.T) {
			data, err := ToMarkdown(playlistResult(), "")
			require.NoError(t, err)
			output := string(data)

			assert.Contains(t, output, "# Test Playlist")
			assert.Contains(t, output, "**Load type**: playlist")
			assert.Contains(t, output, "**Tracks**: 3")
			assert.Contains(t, output, "1. Artist One - [Song One](https://youtube.com/watch?v=abc) [3:00]")
			assert.Contains(t, output, "2. Artist Two - Song Two [1:02:03]")
			assert.Contains(t, output, "3. Station - Radio [LIVE]")
			assert.NotContains(t, output, "![Artwork]")
		})

		t.Run("with artwork", func(t *testing.T) {
			data, err := ToMarkdown(playlistResult(), "artwork.jpg")
			require.NoError(t, err)
			assert.Contains(t, string(data), "![Artwork](artwork.jpg)")
		})

		t.Run("error result", func(t *testing.T) {
			res := models.ErrorResult("Video unavailable", models.SeverityCommon, errors.New("removed"))
			data, err := ToMarkdown(res, "")
			require.NoError(t, err)

			output := string(data)
			assert.Contains(t, output, "**Error** (common): Video unavailable")
			assert.Contains(t, output, "> removed")
		})
	})

	t.Run("ToText", func(t *testing.T) {
		data, err := ToText(playlistResult())
		require.NoError(t, err)
		output := string(data)

		assert.Contains(t, output, "Test Playlist (playlist)")
		assert.Contains(t, output, "Tracks: 3")
		assert.Contains(t, output, "1. Artist One - Song One [3:00] youtube:abc")

		data, err = ToText(models.EmptyResult())
		require.NoError(t, err)
		assert.Contains(t, string(data), "empty result (empty)")
	})

	t.Run("Title", func(t *testing.T) {
		assert.Equal(t, "Search results", Title(models.SearchResult([]models.Track{th.MockTrack("deezer", "1", "a", "b")})))
		assert.Equal(t, "Track", Title(models.TrackResult(th.MockTrack("deezer", "1", "a", "b"))))
	})
}

func TestDownloadImage(t *testing.T) {
	t.Run("EmptyURL", func(t *testing.T) {
		_, err := DownloadImage(context.Background(), nil, "")
		assert.Error(t, err)
	})

	t.Run("NotFound", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		_, err := DownloadImage(context.Background(), srv.Client(), srv.URL)
		assert.Error(t, err)
	})

	t.Run("Success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("jpeg"))
		}))
		defer srv.Close()

		data, err := DownloadImage(context.Background(), srv.Client(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, "jpeg", string(data))
	})
}

func TestWriters(t *testing.T) {
	ctx := context.Background()

	t.Run("Write", func(t *testing.T) {
		tests := []struct {
			format Format
			file   string
		}{
			{FormatCSV, "out.csv"},
			{FormatText, "out.txt"},
			{FormatJSON, "out.json"},
			{FormatMarkdown, filepath.Join("out", "README.md")},
		}

		for _, tt := range tests {
			t.Run(string(tt.format), func(t *testing.T) {
				dir := t.TempDir()
				files, err := Write(ctx, nil, playlistResult(), tt.format, filepath.Join(dir, "out"))
				require.NoError(t, err)

				want := filepath.Join(dir, tt.file)
				assert.Equal(t, []string{want}, files)
				th.AssertFileExists(t, want)
			})
		}
	})

	t.Run("JSON round trip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "result.json")
		_, err := WriteJSON(playlistResult(), path)
		require.NoError(t, err)

		var got models.LoadResult
		require.NoError(t, json.Unmarshal([]byte(th.MustReadFile(t, path)), &got))
		assert.Equal(t, models.LoadTypePlaylist, got.LoadType)
		assert.Len(t, got.Tracks(), 3)
	})

	t.Run("WriteMarkdown with artwork", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("jpeg"))
		}))
		defer srv.Close()

		res := playlistResult()
		data := res.Data.(models.PlaylistData)
		data.Tracks[0].Info.ArtworkURL = models.StringPtr(srv.URL + "/art.jpg")
		res.Data = data

		dir := filepath.Join(t.TempDir(), "md")
		out, err := WriteMarkdown(ctx, srv.Client(), res, dir)
		require.NoError(t, err)
		require.Len(t, out.Files, 2, "artwork and README")
		th.AssertFileExists(t, filepath.Join(dir, "artwork.jpg"))
		assert.Contains(t, th.MustReadFile(t, filepath.Join(dir, "README.md")), "![Artwork](artwork.jpg)")
	})

	t.Run("WriteMarkdown with failed artwork", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		res := models.TrackResult(th.MockTrack("spotify", "x", "Song", "Artist"))
		track := res.Data.(models.Track)
		track.Info.ArtworkURL = models.StringPtr(srv.URL)
		res.Data = track

		out, err := WriteMarkdown(ctx, srv.Client(), res, t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, out.Artwork)
		assert.Len(t, out.Files, 1, "README only")
	})

	t.Run("WriteManifest", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "manifest.json")
		m := Manifest{
			Format:     FormatCSV,
			Total:      2,
			Successful: 1,
			Failed:     1,
			Entries: []ManifestEntry{
				{Identifier: "ytsearch:a", LoadType: models.LoadTypeSearch, Tracks: 5, Files: []string{"a.csv"}, Status: "success"},
				{Identifier: "bad", Status: "failed", Error: "no matches"},
			},
		}
		require.NoError(t, WriteManifest(m, path))

		content := th.MustReadFile(t, path)
		for _, want := range []string{`"format": "csv"`, `"total": 2`, `"successful": 1`, `"status": "failed"`, `"error": "no matches"`, `"generated_at"`} {
			assert.Contains(t, content, want)
		}
	})

	t.Run("WriteText fails on missing directory", func(t *testing.T) {
		_, err := WriteText(playlistResult(), filepath.Join(t.TempDir(), "missing", "x.txt"))
		assert.Error(t, err)
	})
}
