package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/waveline/internal/formatter"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
	th "github.com/desertthunder/waveline/internal/testing"
)

type fakeLoader struct {
	mu      sync.Mutex
	results map[string]*models.LoadResult
	calls   []string
}

func (f *fakeLoader) LoadItem(ctx context.Context, identifier string) *models.LoadResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, identifier)
	if res, ok := f.results[identifier]; ok {
		return res
	}
	return models.EmptyResult()
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{results: map[string]*models.LoadResult{
		"ytsearch:song": models.SearchResult([]models.Track{
			th.MockTrack("youtube", "a", "Song", "Artist"),
			th.MockTrack("youtube", "b", "Song (Live)", "Artist"),
		}),
		"https://youtu.be/a": models.TrackResult(th.MockTrack("youtube", "a", "Song", "Artist")),
		"https://soundcloud.com/set": models.PlaylistResult("Set", -1, []models.Track{
			th.MockTrack("soundcloud", "1", "One", "DJ"),
		}),
		"broken": models.ErrorResult("Something broke", models.SeverityFault, errors.New("boom")),
	}}
}

func TestBulkLoad(t *testing.T) {
	tests := []struct {
		name        string
		format      formatter.Format
		identifiers []string
		wantSuccess int
		wantFailed  int
		wantFile    string
	}{
		{
			name:        "json",
			format:      formatter.FormatJSON,
			identifiers: []string{"ytsearch:song"},
			wantSuccess: 1,
			wantFile:    "001_ytsearch_song.json",
		},
		{
			name:        "csv with failures",
			format:      formatter.FormatCSV,
			identifiers: []string{"https://youtu.be/a", "broken", "nothing"},
			wantSuccess: 1,
			wantFailed:  2,
			wantFile:    "001_https_youtu.be_a.csv",
		},
		{
			name:        "text",
			format:      formatter.FormatText,
			identifiers: []string{"https://soundcloud.com/set", "ytsearch:song"},
			wantSuccess: 2,
			wantFile:    "002_ytsearch_song.txt",
		},
		{
			name:        "markdown",
			format:      formatter.FormatMarkdown,
			identifiers: []string{"https://soundcloud.com/set"},
			wantSuccess: 1,
			wantFile:    filepath.Join("001_https_soundcloud.com_set", "README.md"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			loader := newFakeLoader()
			progress := make(chan ProgressUpdate, 100)

			result, err := BulkLoad(context.Background(), progress, loader, tt.identifiers, BulkLoadOpts{
				Format:    tt.format,
				OutputDir: dir,
				RateLimit: 1000,
			})
			require.NoError(t, err)

			assert.Equal(t, len(tt.identifiers), result.Total)
			assert.Equal(t, tt.wantSuccess, result.Successful)
			assert.Equal(t, tt.wantFailed, result.Failed)
			for i, res := range result.Results {
				assert.Equal(t, tt.identifiers[i], res.Identifier, "results not in input order")
			}
			th.AssertFileExists(t, filepath.Join(dir, tt.wantFile))
			th.AssertFileExists(t, result.ManifestPath)

			assert.NotEmpty(t, progress, "expected progress updates")
		})
	}
}

func TestBulkLoadManifest(t *testing.T) {
	dir := t.TempDir()
	_, err := BulkLoad(context.Background(), nil, newFakeLoader(), []string{"ytsearch:song", "broken"}, BulkLoadOpts{
		Format:    formatter.FormatJSON,
		OutputDir: dir,
		RateLimit: 1000,
	})
	require.NoError(t, err)

	var manifest formatter.Manifest
	require.NoError(t, json.Unmarshal([]byte(th.MustReadFile(t, filepath.Join(dir, "load_manifest.json"))), &manifest))
	assert.Equal(t, 2, manifest.Total)
	assert.Equal(t, 1, manifest.Successful)
	assert.Equal(t, 1, manifest.Failed)
	require.Len(t, manifest.Entries, 2)

	first := manifest.Entries[0]
	assert.Equal(t, "success", first.Status)
	assert.Equal(t, models.LoadTypeSearch, first.LoadType)
	assert.Equal(t, 2, first.Tracks)

	second := manifest.Entries[1]
	assert.Equal(t, "failed", second.Status)
	assert.Contains(t, second.Error, "Something broke (fault)")
}

func TestBulkLoadErrors(t *testing.T) {
	t.Run("nil loader", func(t *testing.T) {
		_, err := BulkLoad(context.Background(), nil, nil, []string{"x"}, BulkLoadOpts{})
		assert.ErrorIs(t, err, shared.ErrServiceUnavailable)
	})

	t.Run("no identifiers", func(t *testing.T) {
		_, err := BulkLoad(context.Background(), nil, newFakeLoader(), nil, BulkLoadOpts{})
		assert.ErrorIs(t, err, shared.ErrMissingArgument)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		dir := t.TempDir()

		_, err := BulkLoad(ctx, nil, newFakeLoader(), []string{"ytsearch:song"}, BulkLoadOpts{OutputDir: dir})
		assert.ErrorIs(t, err, context.Canceled)
		assert.NoFileExists(t, filepath.Join(dir, "load_manifest.json"), "manifest should not be written for a cancelled load")
	})
}

func TestFileName(t *testing.T) {
	tests := map[string]string{
		"ytsearch:never gonna":          "ytsearch_never_gonna",
		"https://youtu.be/dQw4w9WgXcQ": "https_youtu.be_dQw4w9WgXcQ",
		"":                             "result",
		strings.Repeat("a", 100):       strings.Repeat("a", 64),
	}
	for in, want := range tests {
		assert.Equal(t, want, fileName(in), "fileName(%q)", in)
	}
}
