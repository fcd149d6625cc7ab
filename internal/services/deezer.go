package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

const deezerBaseURL = "https://api.deezer.com"

var deezerURLPattern = regexp.MustCompile(`^https?://(?:www\.)?deezer\.com/(?:[a-z]{2}(?:-[a-z]{2})?/)?(track|album|playlist|artist)/(\d+)`)

type deezerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type deezerArtist struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Link string `json:"link"`
}

type deezerAlbum struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Link    string `json:"link"`
	CoverXL string `json:"cover_xl"`
	Tracks  struct {
		Data []DeezerTrack `json:"data"`
	} `json:"tracks"`
	Artist deezerArtist `json:"artist"`
}

// DeezerTrack is a track object of the Deezer public API.
type DeezerTrack struct {
	ID       int64        `json:"id"`
	Title    string       `json:"title"`
	Link     string       `json:"link"`
	Duration int64        `json:"duration"`
	ISRC     string       `json:"isrc"`
	Readable *bool        `json:"readable"`
	Artist   deezerArtist `json:"artist"`
	Album    deezerAlbum  `json:"album"`
}

type deezerPlaylist struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Link      string `json:"link"`
	PictureXL string `json:"picture_xl"`
	Tracks    struct {
		Data []DeezerTrack `json:"data"`
	} `json:"tracks"`
}

// DeezerSource resolves Deezer links through the public API.
//
// The API reports most failures with HTTP 200 and an `error` object.
type DeezerSource struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

// NewDeezerSource creates a Deezer source.
func NewDeezerSource(client *http.Client, logger *log.Logger) *DeezerSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &DeezerSource{baseURL: deezerBaseURL, client: client, logger: sourceLogger(logger, "deezer")}
}

// Name returns the source name.
func (d *DeezerSource) Name() string {
	return "deezer"
}

// SearchPrefixes returns dzsearch and dzisrc.
func (d *DeezerSource) SearchPrefixes() []string {
	return []string{"dzsearch", "dzisrc"}
}

// CanLoad accepts deezer.com track, album, playlist and artist links.
func (d *DeezerSource) CanLoad(identifier string) bool {
	return deezerURLPattern.MatchString(identifier)
}

// get decodes endpoint into result, turning an embedded error object into an error.
func (d *DeezerSource) get(ctx context.Context, endpoint string, result any) error {
	var envelope struct {
		Error *deezerError `json:"error"`
	}

	var raw json.RawMessage
	if err := doJSON(ctx, d.client, "deezer", d.baseURL+endpoint, nil, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Error != nil {
		if envelope.Error.Code == 800 {
			return shared.Friendly("There was no result for the provided link.", shared.ErrTrackNotFound)
		}
		if envelope.Error.Code == 4 {
			return fmt.Errorf("%w: deezer: %s", shared.ErrRateLimited, envelope.Error.Message)
		}
		return &StatusError{Service: "deezer", StatusCode: http.StatusOK, Detail: envelope.Error.Message}
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Load resolves a track, album, playlist or artist link.
func (d *DeezerSource) Load(ctx context.Context, identifier string) (*models.LoadResult, error) {
	match := deezerURLPattern.FindStringSubmatch(identifier)
	if match == nil {
		return nil, shared.Friendly("The Deezer link is not recognized/supported.", shared.ErrInvalidInput)
	}

	kind, id := match[1], match[2]
	switch kind {
	case "track":
		var t DeezerTrack
		if err := d.get(ctx, "/track/"+id, &t); err != nil {
			return nil, err
		}
		track, err := d.toTrack(t)
		if err != nil {
			return nil, err
		}
		return models.TrackResult(track), nil
	case "album":
		var album deezerAlbum
		if err := d.get(ctx, "/album/"+id, &album); err != nil {
			return nil, err
		}
		for i := range album.Tracks.Data {
			album.Tracks.Data[i].Album.Title = album.Title
			album.Tracks.Data[i].Album.CoverXL = album.CoverXL
		}
		return d.playlist(album.Title, "album", album.Link, album.CoverXL, album.Tracks.Data)
	case "playlist":
		var playlist deezerPlaylist
		if err := d.get(ctx, "/playlist/"+id, &playlist); err != nil {
			return nil, err
		}
		return d.playlist(playlist.Title, "playlist", playlist.Link, playlist.PictureXL, playlist.Tracks.Data)
	default:
		var artist deezerArtist
		if err := d.get(ctx, "/artist/"+id, &artist); err != nil {
			return nil, err
		}
		var top struct {
			Data []DeezerTrack `json:"data"`
		}
		if err := d.get(ctx, "/artist/"+id+"/top?limit=50", &top); err != nil {
			return nil, err
		}
		return d.playlist(artist.Name+"'s Top Tracks", "artist", artist.Link, "", top.Data)
	}
}

func (d *DeezerSource) playlist(name, kind, link, artwork string, items []DeezerTrack) (*models.LoadResult, error) {
	tracks, err := d.toTracks(items)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return models.EmptyResult(), nil
	}

	result := models.PlaylistResult(name, -1, tracks)
	info := result.Data.(models.PlaylistData).PluginInfo
	info["type"] = kind
	info["url"] = link
	if artwork != "" {
		info["artworkUrl"] = artwork
	}
	return result, nil
}

// Search runs a dzsearch query.
func (d *DeezerSource) Search(ctx context.Context, query string) (*models.LoadResult, error) {
	return d.SearchPrefix(ctx, "dzsearch", query)
}

// SearchPrefix runs a free text search or, for dzisrc, an ISRC lookup.
func (d *DeezerSource) SearchPrefix(ctx context.Context, prefix, query string) (*models.LoadResult, error) {
	if prefix == "dzisrc" {
		var t DeezerTrack
		err := d.get(ctx, "/track/isrc:"+url.PathEscape(query), &t)
		switch {
		case errors.Is(err, shared.ErrTrackNotFound):
			return models.EmptyResult(), nil
		case err != nil:
			return nil, err
		case t.ID == 0:
			return models.EmptyResult(), nil
		}
		track, err := d.toTrack(t)
		if err != nil {
			return nil, err
		}
		return models.TrackResult(track), nil
	}

	var res struct {
		Data []DeezerTrack `json:"data"`
	}
	if err := d.get(ctx, "/search?q="+url.QueryEscape(query), &res); err != nil {
		return nil, err
	}
	tracks, err := d.toTracks(res.Data)
	if err != nil {
		return nil, err
	}
	return models.SearchResult(tracks), nil
}

// StrictQuery builds an advanced search query such as `artist:"x" track:"y"`. Fields are sorted
// by name and empty values are skipped.
func StrictQuery(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if v != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%q", k, fields[k])
	}
	return strings.Join(parts, " ")
}

// StrictSearch runs a strict advanced search over fields.
func (d *DeezerSource) StrictSearch(ctx context.Context, fields map[string]string) ([]DeezerTrack, error) {
	query := StrictQuery(fields)
	if query == "" {
		return nil, fmt.Errorf("%w: no search fields", shared.ErrMissingArgument)
	}

	var res struct {
		Data []DeezerTrack `json:"data"`
	}
	if err := d.get(ctx, "/search?strict=on&q="+url.QueryEscape(query), &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (d *DeezerSource) toTracks(items []DeezerTrack) ([]models.Track, error) {
	tracks := make([]models.Track, 0, len(items))
	for _, t := range items {
		if t.Readable != nil && !*t.Readable {
			continue
		}
		track, err := d.toTrack(t)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

func (d *DeezerSource) toTrack(t DeezerTrack) (models.Track, error) {
	uri := t.Link
	if uri == "" {
		uri = "https://www.deezer.com/track/" + strconv.FormatInt(t.ID, 10)
	}

	track, err := codec.NewTrack(models.TrackInfo{
		Identifier: strconv.FormatInt(t.ID, 10),
		Title:      t.Title,
		Author:     t.Artist.Name,
		Length:     t.Duration * 1000,
		URI:        models.StringPtr(uri),
		ArtworkURL: models.StringPtr(t.Album.CoverXL),
		ISRC:       models.StringPtr(t.ISRC),
		SourceName: d.Name(),
	})
	if err != nil {
		return track, err
	}
	if t.Album.Title != "" {
		track.PluginInfo["albumName"] = t.Album.Title
	}
	return track, nil
}
