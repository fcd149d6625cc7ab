// Spotify [Source] implementation
//
// Spotify API response types based on https://developer.spotify.com/documentation/web-api/reference/
// Spotify tracks are metadata only and are played through a [Mirror].
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

const (
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyBaseURL  = "https://api.spotify.com/v1"
)

var (
	spotifyURLPattern  = regexp.MustCompile(`https://open\.spotify\.com?.+(album|playlist|artist|track)/([a-zA-Z0-9]+)`)
	spotifyURIPattern  = regexp.MustCompile(`^spotify:(album|playlist|artist|track):([a-zA-Z0-9]+)$`)
	spotifyLinkPattern = regexp.MustCompile(`(?i)^https?://spotify\.link/?([a-zA-Z0-9]+)`)
)

// SpotifyImage represents an image resource.
type SpotifyImage struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

type externalIDs struct {
	ISRC string `json:"isrc"`
}

type externalURLs struct {
	Spotify string `json:"spotify"`
}

// SpotifyTrack represents a Spotify track.
type SpotifyTrack struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Artists      []SpotifyArtist `json:"artists"`
	Album        *SpotifyAlbum   `json:"album"`
	DurationMS   int64           `json:"duration_ms"`
	ExternalIDs  externalIDs     `json:"external_ids"`
	ExternalURLs externalURLs    `json:"external_urls"`
	IsLocal      bool            `json:"is_local"`
}

// SpotifyArtist represents a Spotify artist.
type SpotifyArtist struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	ExternalURLs externalURLs `json:"external_urls"`
}

type spotifyTrackPage struct {
	Items []SpotifyTrack `json:"items"`
	Next  *string        `json:"next"`
}

// SpotifyAlbum represents a Spotify album.
type SpotifyAlbum struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Artists      []SpotifyArtist  `json:"artists"`
	Images       []SpotifyImage   `json:"images"`
	ExternalURLs externalURLs     `json:"external_urls"`
	Tracks       spotifyTrackPage `json:"tracks"`
}

// SpotifyPlaylistTrack represents a track within a playlist context.
type SpotifyPlaylistTrack struct {
	AddedAt string        `json:"added_at"`
	Track   *SpotifyTrack `json:"track"`
}

type spotifyPlaylistPage struct {
	Items []SpotifyPlaylistTrack `json:"items"`
	Next  *string                `json:"next"`
}

// SpotifyPlaylist represents a Spotify playlist.
type SpotifyPlaylist struct {
	ID     string              `json:"id"`
	Name   string              `json:"name"`
	Images []SpotifyImage      `json:"images"`
	Tracks spotifyPlaylistPage `json:"tracks"`
}

// SpotifySource resolves Spotify links with the client credentials flow.
type SpotifySource struct {
	baseURL       string
	httpClient    *http.Client
	linkClient    *http.Client
	country       string
	playlistPages int
	albumPages    int
	disabled      atomic.Bool
	logger        *log.Logger
}

// NewSpotifySource creates a Spotify source. base carries proxy and route planner settings and is
// used for both token and API requests, throttled to cfg.RequestsPerSecond when set.
func NewSpotifySource(cfg shared.SpotifyConfig, base *http.Client, logger *log.Logger) (*SpotifySource, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: spotify clientId and clientSecret are required", shared.ErrMissingCredentials)
	}
	if base == nil {
		base = http.DefaultClient
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     spotifyTokenURL,
	}
	return newSpotifySource(cfg, cc, base, spotifyBaseURL, logger), nil
}

func newSpotifySource(cfg shared.SpotifyConfig, cc *clientcredentials.Config, base *http.Client, baseURL string, logger *log.Logger) *SpotifySource {
	if cfg.RequestsPerSecond > 0 {
		rt := base.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		base = &http.Client{
			Transport: &limitedTransport{base: rt, limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)},
			Timeout:   base.Timeout,
		}
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	linkClient := &http.Client{
		Transport: base.Transport,
		Timeout:   base.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	country := cfg.CountryCode
	if country == "" {
		country = "US"
	}

	return &SpotifySource{
		baseURL:       baseURL,
		httpClient:    cc.Client(ctx),
		linkClient:    linkClient,
		country:       country,
		playlistPages: max(cfg.PlaylistLoadLimit, 1),
		albumPages:    max(cfg.AlbumLoadLimit, 1),
		logger:        sourceLogger(logger, "spotify"),
	}
}

// Name returns the source name.
func (s *SpotifySource) Name() string {
	return "spotify"
}

// SearchPrefixes returns spsearch.
func (s *SpotifySource) SearchPrefixes() []string {
	return []string{"spsearch"}
}

// Disabled reports whether Spotify rate limited the node.
func (s *SpotifySource) Disabled() bool {
	return s.disabled.Load()
}

// CanLoad accepts open.spotify.com links, spotify: URIs and spotify.link short links.
func (s *SpotifySource) CanLoad(identifier string) bool {
	return spotifyURLPattern.MatchString(identifier) ||
		spotifyURIPattern.MatchString(identifier) ||
		spotifyLinkPattern.MatchString(identifier)
}

// doRequest performs an authenticated request to the Spotify API.
//
// 404 becomes a friendly error and 429 disables the source until restart.
func (s *SpotifySource) doRequest(ctx context.Context, endpoint string, result any) error {
	if s.disabled.Load() {
		return shared.Friendly("The support for Spotify links is temporarily disabled.", shared.ErrSourceDisabled)
	}

	target := endpoint
	if !strings.HasPrefix(target, "http") {
		target = s.baseURL + endpoint
	}

	err := doJSON(ctx, s.httpClient, "spotify", target, nil, result)
	switch statusCode(err) {
	case http.StatusNotFound:
		return shared.Friendly("There was no result for the provided link (check that it is correct and its content is not private or deleted).", err)
	case http.StatusTooManyRequests:
		s.disabled.Store(true)
		s.logger.Warn("spotify support disabled due to ratelimit (429)")
		return shared.Friendly("The support for Spotify links is temporarily disabled.", errors.Join(shared.ErrRateLimited, shared.ErrSourceDisabled))
	}
	return err
}

// resolveShortLink follows a spotify.link redirect once.
func (s *SpotifySource) resolveShortLink(ctx context.Context, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.linkClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		return "", shared.Friendly("Failed to retrieve result for the provided link.", shared.ErrTrackNotFound)
	}
	return location, nil
}

// Load resolves a track, album, playlist or artist.
func (s *SpotifySource) Load(ctx context.Context, identifier string) (*models.LoadResult, error) {
	if spotifyLinkPattern.MatchString(identifier) {
		resolved, err := s.resolveShortLink(ctx, identifier)
		if err != nil {
			return nil, err
		}
		identifier = resolved
	}

	match := spotifyURLPattern.FindStringSubmatch(identifier)
	if match == nil {
		match = spotifyURIPattern.FindStringSubmatch(identifier)
	}
	if match == nil {
		return nil, shared.Friendly("The Spotify link is not recognized/supported.", shared.ErrInvalidInput)
	}

	kind, id := match[1], match[2]
	switch kind {
	case "track":
		return s.loadTrack(ctx, id)
	case "album":
		return s.loadAlbum(ctx, id)
	case "playlist":
		return s.loadPlaylist(ctx, id)
	default:
		return s.loadArtist(ctx, id)
	}
}

func (s *SpotifySource) loadTrack(ctx context.Context, id string) (*models.LoadResult, error) {
	var t SpotifyTrack
	if err := s.doRequest(ctx, "/tracks/"+id, &t); err != nil {
		return nil, err
	}
	track, err := s.toTrack(t, nil)
	if err != nil {
		return nil, err
	}
	return models.TrackResult(track), nil
}

func (s *SpotifySource) loadAlbum(ctx context.Context, id string) (*models.LoadResult, error) {
	var album SpotifyAlbum
	if err := s.doRequest(ctx, "/albums/"+id, &album); err != nil {
		return nil, err
	}

	items := album.Tracks.Items
	next := album.Tracks.Next
	for page := 1; next != nil && page < s.albumPages; page++ {
		var more spotifyTrackPage
		if err := s.doRequest(ctx, *next, &more); err != nil {
			return nil, err
		}
		items = append(items, more.Items...)
		next = more.Next
	}

	tracks, err := s.toTracks(items, &album)
	if err != nil {
		return nil, err
	}

	switch len(tracks) {
	case 0:
		return models.EmptyResult(), nil
	case 1:
		return models.TrackResult(tracks[0]), nil
	}

	result := models.PlaylistResult(album.Name, -1, tracks)
	data := result.Data.(models.PlaylistData)
	data.PluginInfo["type"] = "album"
	data.PluginInfo["url"] = album.ExternalURLs.Spotify
	if len(album.Images) > 0 {
		data.PluginInfo["artworkUrl"] = album.Images[0].URL
	}
	result.Data = data
	return result, nil
}

func (s *SpotifySource) loadPlaylist(ctx context.Context, id string) (*models.LoadResult, error) {
	var playlist SpotifyPlaylist
	if err := s.doRequest(ctx, "/playlists/"+id, &playlist); err != nil {
		return nil, err
	}

	entries := playlist.Tracks.Items
	next := playlist.Tracks.Next
	for page := 1; next != nil && page < s.playlistPages; page++ {
		var more spotifyPlaylistPage
		if err := s.doRequest(ctx, *next, &more); err != nil {
			return nil, err
		}
		entries = append(entries, more.Items...)
		next = more.Next
	}

	items := make([]SpotifyTrack, 0, len(entries))
	for _, e := range entries {
		if e.Track == nil || e.Track.ID == "" || e.Track.IsLocal {
			continue
		}
		items = append(items, *e.Track)
	}

	tracks, err := s.toTracks(items, nil)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, shared.Friendly("There were no results found in the provided Spotify link.", shared.ErrPlaylistNotFound)
	}

	result := models.PlaylistResult(playlist.Name, -1, tracks)
	data := result.Data.(models.PlaylistData)
	data.PluginInfo["type"] = "playlist"
	if len(playlist.Images) > 0 {
		data.PluginInfo["artworkUrl"] = playlist.Images[0].URL
	}
	result.Data = data
	return result, nil
}

func (s *SpotifySource) loadArtist(ctx context.Context, id string) (*models.LoadResult, error) {
	var top struct {
		Tracks []SpotifyTrack `json:"tracks"`
	}
	if err := s.doRequest(ctx, fmt.Sprintf("/artists/%s/top-tracks?market=%s", id, url.QueryEscape(s.country)), &top); err != nil {
		return nil, err
	}
	if len(top.Tracks) == 0 {
		return nil, shared.Friendly("There were no results found in the provided Spotify link.", shared.ErrTrackNotFound)
	}

	name := ""
	for _, a := range top.Tracks[0].Artists {
		if a.ID == id {
			name = a.Name
			break
		}
	}
	if name == "" && len(top.Tracks[0].Artists) > 0 {
		name = top.Tracks[0].Artists[0].Name
	}

	tracks, err := s.toTracks(top.Tracks, nil)
	if err != nil {
		return nil, err
	}

	result := models.PlaylistResult(name+"'s Top Tracks", -1, tracks)
	result.Data.(models.PlaylistData).PluginInfo["type"] = "artist"
	return result, nil
}

// Search searches tracks.
func (s *SpotifySource) Search(ctx context.Context, query string) (*models.LoadResult, error) {
	var res struct {
		Tracks spotifyTrackPage `json:"tracks"`
	}
	endpoint := fmt.Sprintf("/search?q=%s&type=track&limit=10", url.QueryEscape(query))
	if err := s.doRequest(ctx, endpoint, &res); err != nil {
		return nil, err
	}

	tracks, err := s.toTracks(res.Tracks.Items, nil)
	if err != nil {
		return nil, err
	}
	return models.SearchResult(tracks), nil
}

func (s *SpotifySource) toTracks(items []SpotifyTrack, album *SpotifyAlbum) ([]models.Track, error) {
	tracks := make([]models.Track, 0, len(items))
	for _, t := range items {
		track, err := s.toTrack(t, album)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

// toTrack converts t. album overrides the track's own album, which is absent in album listings.
func (s *SpotifySource) toTrack(t SpotifyTrack, album *SpotifyAlbum) (models.Track, error) {
	if album != nil {
		t.Album = album
	}

	author := "Unknown Artist"
	if len(t.Artists) > 0 && t.Artists[0].Name != "" {
		author = t.Artists[0].Name
	}

	uri := t.ExternalURLs.Spotify
	if uri == "" {
		uri = "https://open.spotify.com/track/" + t.ID
	}

	info := models.TrackInfo{
		Identifier: t.ID,
		Title:      t.Name,
		Author:     author,
		Length:     t.DurationMS,
		URI:        models.StringPtr(uri),
		ISRC:       models.StringPtr(t.ExternalIDs.ISRC),
		SourceName: s.Name(),
	}
	if t.Album != nil && len(t.Album.Images) > 0 {
		info.ArtworkURL = models.StringPtr(t.Album.Images[0].URL)
	}

	track, err := codec.NewTrack(info)
	if err != nil {
		return track, err
	}

	var authors []string
	for _, a := range t.Artists {
		if !strings.Contains(strings.ToLower(t.Name), "feat. "+strings.ToLower(a.Name)) {
			authors = append(authors, a.Name)
		}
	}
	track.PluginInfo["authors"] = authors
	if t.Album != nil && t.Album.Name != "" {
		track.PluginInfo["albumName"] = t.Album.Name
		track.PluginInfo["albumUrl"] = t.Album.ExternalURLs.Spotify
	}
	return track, nil
}
