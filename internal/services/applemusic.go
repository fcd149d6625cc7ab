package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

const appleMusicBaseURL = "https://api.music.apple.com"

var appleMusicURLPattern = regexp.MustCompile(`^https?://(?:beta\.)?music\.apple\.com/([a-z]{2})/(album|playlist|artist|song)/(?:[^/?]+/)?([a-zA-Z0-9.\-]+)`)

type appleArtwork struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// size fills the `{w}x{h}` placeholders of an artwork URL template.
func (a appleArtwork) size() string {
	if a.URL == "" {
		return ""
	}
	w, h := a.Width, a.Height
	if w == 0 || h == 0 {
		w, h = 1000, 1000
	}
	return strings.NewReplacer("{w}", fmt.Sprint(w), "{h}", fmt.Sprint(h)).Replace(a.URL)
}

// AppleMusicSong is a catalog song resource.
type AppleMusicSong struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Name             string       `json:"name"`
		ArtistName       string       `json:"artistName"`
		AlbumName        string       `json:"albumName"`
		DurationInMillis int64        `json:"durationInMillis"`
		ISRC             string       `json:"isrc"`
		URL              string       `json:"url"`
		Artwork          appleArtwork `json:"artwork"`
	} `json:"attributes"`
}

type appleSongPage struct {
	Data []AppleMusicSong `json:"data"`
	Next string           `json:"next"`
}

// appleCollection is an album or playlist resource.
type appleCollection struct {
	ID         string `json:"id"`
	Attributes struct {
		Name        string       `json:"name"`
		ArtistName  string       `json:"artistName"`
		CuratorName string       `json:"curatorName"`
		URL         string       `json:"url"`
		Artwork     appleArtwork `json:"artwork"`
	} `json:"attributes"`
	Relationships struct {
		Tracks appleSongPage `json:"tracks"`
	} `json:"relationships"`
}

// AppleMusicSource resolves Apple Music links through the catalog API.
type AppleMusicSource struct {
	baseURL       string
	client        *http.Client
	token         string
	country       string
	playlistPages int
	albumPages    int
	logger        *log.Logger
}

// NewAppleMusicSource creates an Apple Music source authenticated with a media API token.
func NewAppleMusicSource(cfg shared.AppleMusicConfig, client *http.Client, logger *log.Logger) (*AppleMusicSource, error) {
	if cfg.MediaAPIToken == "" {
		return nil, fmt.Errorf("%w: applemusic mediaAPIToken is required", shared.ErrMissingCredentials)
	}
	if client == nil {
		client = http.DefaultClient
	}

	country := strings.ToLower(cfg.CountryCode)
	if country == "" {
		country = "us"
	}

	return &AppleMusicSource{
		baseURL:       appleMusicBaseURL,
		client:        client,
		token:         cfg.MediaAPIToken,
		country:       country,
		playlistPages: max(cfg.PlaylistLoadLimit, 1),
		albumPages:    max(cfg.AlbumLoadLimit, 1),
		logger:        sourceLogger(logger, "applemusic"),
	}, nil
}

// Name returns the source name.
func (a *AppleMusicSource) Name() string {
	return "applemusic"
}

// SearchPrefixes returns amsearch.
func (a *AppleMusicSource) SearchPrefixes() []string {
	return []string{"amsearch"}
}

// CanLoad accepts music.apple.com song, album, playlist and artist links.
func (a *AppleMusicSource) CanLoad(identifier string) bool {
	return appleMusicURLPattern.MatchString(identifier)
}

func (a *AppleMusicSource) get(ctx context.Context, endpoint string, result any) error {
	headers := map[string]string{
		"Authorization": "Bearer " + a.token,
		"Origin":        "https://music.apple.com",
	}
	err := doJSON(ctx, a.client, "applemusic", a.baseURL+endpoint, headers, result)
	switch statusCode(err) {
	case http.StatusNotFound:
		return shared.Friendly("There was no result for the provided link.", err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", shared.ErrInvalidCredentials, err)
	}
	return err
}

func (a *AppleMusicSource) catalog(format string, args ...any) string {
	return "/v1/catalog/" + a.country + fmt.Sprintf(format, args...)
}

// Load resolves a song, album, playlist or artist link. Album links carrying `?i=` select a single song.
func (a *AppleMusicSource) Load(ctx context.Context, identifier string) (*models.LoadResult, error) {
	match := appleMusicURLPattern.FindStringSubmatch(identifier)
	if match == nil {
		return nil, shared.Friendly("The Apple Music link is not recognized/supported.", shared.ErrInvalidInput)
	}

	kind, id := match[2], match[3]
	if u, err := url.Parse(identifier); err == nil && kind == "album" {
		if song := u.Query().Get("i"); song != "" {
			kind, id = "song", song
		}
	}

	switch kind {
	case "song":
		var res appleSongPage
		if err := a.get(ctx, a.catalog("/songs/%s", id), &res); err != nil {
			return nil, err
		}
		if len(res.Data) == 0 {
			return models.EmptyResult(), nil
		}
		track, err := a.toTrack(res.Data[0])
		if err != nil {
			return nil, err
		}
		return models.TrackResult(track), nil
	case "album":
		return a.loadCollection(ctx, "albums", "album", id, a.albumPages)
	case "playlist":
		return a.loadCollection(ctx, "playlists", "playlist", id, a.playlistPages)
	default:
		return a.loadArtist(ctx, id)
	}
}

func (a *AppleMusicSource) loadCollection(ctx context.Context, resource, kind, id string, pages int) (*models.LoadResult, error) {
	var res struct {
		Data []appleCollection `json:"data"`
	}
	if err := a.get(ctx, a.catalog("/%s/%s", resource, id), &res); err != nil {
		return nil, err
	}
	if len(res.Data) == 0 {
		return models.EmptyResult(), nil
	}

	coll := res.Data[0]
	songs := coll.Relationships.Tracks.Data
	next := coll.Relationships.Tracks.Next
	for page := 1; next != "" && page < pages; page++ {
		var more appleSongPage
		if err := a.get(ctx, next, &more); err != nil {
			return nil, err
		}
		songs = append(songs, more.Data...)
		next = more.Next
	}

	tracks, err := a.toTracks(songs)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return models.EmptyResult(), nil
	}

	result := models.PlaylistResult(coll.Attributes.Name, -1, tracks)
	info := result.Data.(models.PlaylistData).PluginInfo
	info["type"] = kind
	info["url"] = coll.Attributes.URL
	if art := coll.Attributes.Artwork.size(); art != "" {
		info["artworkUrl"] = art
	}
	if author := coll.Attributes.ArtistName; author != "" {
		info["author"] = author
	} else if coll.Attributes.CuratorName != "" {
		info["author"] = coll.Attributes.CuratorName
	}
	return result, nil
}

func (a *AppleMusicSource) loadArtist(ctx context.Context, id string) (*models.LoadResult, error) {
	var res appleSongPage
	if err := a.get(ctx, a.catalog("/artists/%s/view/top-songs", id), &res); err != nil {
		return nil, err
	}
	tracks, err := a.toTracks(res.Data)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return models.EmptyResult(), nil
	}

	result := models.PlaylistResult(tracks[0].Info.Author+"'s Top Tracks", -1, tracks)
	result.Data.(models.PlaylistData).PluginInfo["type"] = "artist"
	return result, nil
}

// Search searches the catalog for songs.
func (a *AppleMusicSource) Search(ctx context.Context, query string) (*models.LoadResult, error) {
	var res struct {
		Results struct {
			Songs appleSongPage `json:"songs"`
		} `json:"results"`
	}
	if err := a.get(ctx, a.catalog("/search?term=%s&types=songs&limit=10", url.QueryEscape(query)), &res); err != nil {
		return nil, err
	}
	tracks, err := a.toTracks(res.Results.Songs.Data)
	if err != nil {
		return nil, err
	}
	return models.SearchResult(tracks), nil
}

func (a *AppleMusicSource) toTracks(songs []AppleMusicSong) ([]models.Track, error) {
	tracks := make([]models.Track, 0, len(songs))
	for _, s := range songs {
		if s.Type != "" && s.Type != "songs" {
			continue
		}
		track, err := a.toTrack(s)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

func (a *AppleMusicSource) toTrack(s AppleMusicSong) (models.Track, error) {
	attrs := s.Attributes
	track, err := codec.NewTrack(models.TrackInfo{
		Identifier: s.ID,
		Title:      attrs.Name,
		Author:     attrs.ArtistName,
		Length:     attrs.DurationInMillis,
		URI:        models.StringPtr(attrs.URL),
		ArtworkURL: models.StringPtr(attrs.Artwork.size()),
		ISRC:       models.StringPtr(attrs.ISRC),
		SourceName: a.Name(),
	})
	if err != nil {
		return track, err
	}
	if attrs.AlbumName != "" {
		track.PluginInfo["albumName"] = attrs.AlbumName
	}
	return track, nil
}
