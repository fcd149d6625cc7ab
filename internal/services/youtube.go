// YouTube [Source] implementation
//
// Videos and playlists are resolved with github.com/kkdai/youtube. Search goes through the
// YouTube Music proxy (music/) which wraps ytmusicapi.
package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/kkdai/youtube/v2"

	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

const defaultYTBaseURL string = "http://localhost:8080"

// YouTubeImage represents an image/thumbnail from YouTube Music.
type YouTubeImage struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// YouTubeArtist represents an artist in YouTube Music responses.
type YouTubeArtist struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

type youtubeAlbum struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// YouTubeTrack represents a search result from the YouTube Music proxy.
type YouTubeTrack struct {
	VideoID     string          `json:"videoId"`
	Title       string          `json:"title"`
	Artists     []YouTubeArtist `json:"artists"`
	Album       *youtubeAlbum   `json:"album"`
	Duration    string          `json:"duration"`
	DurationSec int             `json:"duration_seconds"`
	Thumbnails  []YouTubeImage  `json:"thumbnails"`
	ISRC        string          `json:"isrc,omitempty"`
}

// videoClient is the part of [youtube.Client] the source uses.
type videoClient interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetPlaylistContext(ctx context.Context, url string) (*youtube.Playlist, error)
	GetStreamURLContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (string, error)
}

// YouTubeSource loads YouTube videos and playlists.
type YouTubeSource struct {
	baseURL       string
	httpClient    *http.Client
	videos        videoClient
	playlistLimit int
	logger        *log.Logger
}

// NewYouTubeSource creates a YouTube source. proxyURL is the YouTube Music proxy used for search.
//
// playlistPages limits playlists to that many pages of 100 entries.
func NewYouTubeSource(proxyURL string, client *http.Client, playlistPages int, logger *log.Logger) *YouTubeSource {
	if proxyURL == "" {
		proxyURL = defaultYTBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	if playlistPages <= 0 {
		playlistPages = 6
	}

	return &YouTubeSource{
		baseURL:       strings.TrimRight(proxyURL, "/"),
		httpClient:    client,
		videos:        &youtube.Client{HTTPClient: client},
		playlistLimit: playlistPages * 100,
		logger:        sourceLogger(logger, "youtube"),
	}
}

// Name returns the source name.
func (y *YouTubeSource) Name() string {
	return "youtube"
}

// SearchPrefixes returns ytsearch for videos and ytmsearch for YouTube Music songs.
func (y *YouTubeSource) SearchPrefixes() []string {
	return []string{"ytsearch", "ytmsearch"}
}

var youtubeHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
}

// CanLoad accepts watch, shorts, youtu.be, music and playlist URLs.
func (y *YouTubeSource) CanLoad(identifier string) bool {
	u, err := url.Parse(identifier)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return youtubeHosts[strings.ToLower(u.Host)]
}

// Load resolves a video or playlist URL.
func (y *YouTubeSource) Load(ctx context.Context, identifier string) (*models.LoadResult, error) {
	u, err := url.Parse(identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}

	if list := u.Query().Get("list"); list != "" && !strings.HasPrefix(list, "RD") {
		return y.loadPlaylist(ctx, identifier, u.Query().Get("v"))
	}

	video, err := y.videos.GetVideoContext(ctx, identifier)
	if err != nil {
		return nil, shared.Friendly("This video is unavailable.", err)
	}

	track, err := codec.NewTrack(y.videoInfo(video.ID, video.Title, video.Author, video.Duration.Milliseconds(), video.HLSManifestURL != ""))
	if err != nil {
		return nil, err
	}
	return models.TrackResult(track), nil
}

func (y *YouTubeSource) loadPlaylist(ctx context.Context, identifier, selectedID string) (*models.LoadResult, error) {
	playlist, err := y.videos.GetPlaylistContext(ctx, identifier)
	if err != nil {
		return nil, shared.Friendly("The playlist does not exist or is private.", err)
	}

	entries := playlist.Videos
	if len(entries) > y.playlistLimit {
		entries = entries[:y.playlistLimit]
	}

	selected := -1
	tracks := make([]models.Track, 0, len(entries))
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		track, err := codec.NewTrack(y.videoInfo(entry.ID, entry.Title, entry.Author, entry.Duration.Milliseconds(), false))
		if err != nil {
			y.logger.Warn("skipping playlist entry", "id", entry.ID, "error", err)
			continue
		}
		if entry.ID == selectedID {
			selected = len(tracks)
		}
		tracks = append(tracks, track)
	}

	return models.PlaylistResult(playlist.Title, selected, tracks), nil
}

func (y *YouTubeSource) videoInfo(id, title, author string, lengthMs int64, live bool) models.TrackInfo {
	return models.TrackInfo{
		Identifier: id,
		Title:      title,
		Author:     author,
		Length:     lengthMs,
		IsStream:   live,
		URI:        models.StringPtr("https://www.youtube.com/watch?v=" + id),
		ArtworkURL: models.StringPtr(fmt.Sprintf("https://img.youtube.com/vi/%s/maxresdefault.jpg", id)),
		SourceName: y.Name(),
	}
}

// Search searches YouTube Music songs.
func (y *YouTubeSource) Search(ctx context.Context, query string) (*models.LoadResult, error) {
	return y.SearchPrefix(ctx, "ytmsearch", query)
}

// SearchPrefix searches videos for ytsearch and songs for ytmsearch.
//
// Calls GET /api/search?q={query}&filter={videos|songs} on the proxy.
func (y *YouTubeSource) SearchPrefix(ctx context.Context, prefix, query string) (*models.LoadResult, error) {
	filter, host := "videos", "https://www.youtube.com"
	if prefix == "ytmsearch" {
		filter, host = "songs", "https://music.youtube.com"
	}

	endpoint := fmt.Sprintf("%s/api/search?q=%s&filter=%s", y.baseURL, url.QueryEscape(query), filter)

	var results []YouTubeTrack
	if err := doJSON(ctx, y.httpClient, "youtube music", endpoint, nil, &results); err != nil {
		return nil, err
	}

	tracks := make([]models.Track, 0, len(results))
	for _, r := range results {
		if r.VideoID == "" {
			continue
		}
		info := y.videoInfo(r.VideoID, r.Title, "Unknown artist", int64(r.DurationSec)*1000, false)
		if len(r.Artists) > 0 {
			names := make([]string, len(r.Artists))
			for i, a := range r.Artists {
				names[i] = a.Name
			}
			info.Author = strings.Join(names, ", ")
		}
		info.URI = models.StringPtr(host + "/watch?v=" + r.VideoID)
		info.ISRC = models.StringPtr(r.ISRC)
		if n := len(r.Thumbnails); n > 0 {
			info.ArtworkURL = models.StringPtr(r.Thumbnails[n-1].URL)
		}

		track, err := codec.NewTrack(info)
		if err != nil {
			return nil, err
		}
		if r.Album != nil {
			track.PluginInfo["albumName"] = r.Album.Name
		}
		tracks = append(tracks, track)
	}

	return models.SearchResult(tracks), nil
}

// StreamURL returns the URL of the highest bitrate audio format.
func (y *YouTubeSource) StreamURL(ctx context.Context, info models.TrackInfo) (string, error) {
	video, err := y.videos.GetVideoContext(ctx, info.Identifier)
	if err != nil {
		return "", shared.Friendly("This video is unavailable.", err)
	}

	if video.HLSManifestURL != "" {
		return video.HLSManifestURL, nil
	}

	format, ok := bestAudioFormat(video.Formats)
	if !ok {
		return "", shared.Friendly("No playable audio format found.", shared.ErrTrackNotFound)
	}

	return y.videos.GetStreamURLContext(ctx, video, format)
}

// bestAudioFormat prefers audio-only formats, then the highest bitrate.
func bestAudioFormat(formats youtube.FormatList) (*youtube.Format, bool) {
	candidates := formats.WithAudioChannels()
	if len(candidates) == 0 {
		return nil, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ai := strings.HasPrefix(candidates[i].MimeType, "audio/")
		aj := strings.HasPrefix(candidates[j].MimeType, "audio/")
		if ai != aj {
			return ai
		}
		return candidates[i].Bitrate > candidates[j].Bitrate
	})

	return &candidates[0], true
}
