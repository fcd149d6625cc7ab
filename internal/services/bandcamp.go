// Bandcamp [Source] implementation
//
// Track and album pages embed their metadata as JSON in the data-tralbum attribute.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"

	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

const bandcampSearchURL = "https://bandcamp.com/search"

type bandcampTrackInfo struct {
	TrackID   int64             `json:"track_id"`
	Title     string            `json:"title"`
	Duration  float64           `json:"duration"`
	TitleLink string            `json:"title_link"`
	File      map[string]string `json:"file"`
}

// BandcampAlbum is the data-tralbum payload of a track or album page.
type BandcampAlbum struct {
	Artist   string `json:"artist"`
	ArtID    int64  `json:"art_id"`
	ItemType string `json:"item_type"`
	URL      string `json:"url"`
	Current  struct {
		Title string `json:"title"`
	} `json:"current"`
	TrackInfo []bandcampTrackInfo `json:"trackinfo"`
}

// BandcampSource loads Bandcamp track and album pages.
type BandcampSource struct {
	searchURL  string
	httpClient *http.Client
	logger     *log.Logger
}

// NewBandcampSource creates a Bandcamp source.
func NewBandcampSource(client *http.Client, logger *log.Logger) *BandcampSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &BandcampSource{searchURL: bandcampSearchURL, httpClient: client, logger: sourceLogger(logger, "bandcamp")}
}

// Name returns the source name.
func (b *BandcampSource) Name() string {
	return "bandcamp"
}

// SearchPrefixes returns bcsearch.
func (b *BandcampSource) SearchPrefixes() []string {
	return []string{"bcsearch"}
}

// CanLoad accepts <artist>.bandcamp.com/track/ and /album/ URLs.
func (b *BandcampSource) CanLoad(identifier string) bool {
	u, err := url.Parse(identifier)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if !strings.HasSuffix(strings.ToLower(u.Host), ".bandcamp.com") {
		return false
	}
	return strings.HasPrefix(u.Path, "/track/") || strings.HasPrefix(u.Path, "/album/")
}

func (b *BandcampSource) fetchAlbum(ctx context.Context, pageURL string) (*BandcampAlbum, error) {
	resp, err := getBody(ctx, b.httpClient, "bandcamp", pageURL)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, shared.Friendly("This Bandcamp page does not exist.", err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bandcamp page: %w", err)
	}

	raw, ok := doc.Find("script[data-tralbum]").First().Attr("data-tralbum")
	if !ok {
		return nil, fmt.Errorf("%w: bandcamp page without track data", shared.ErrAPIRequest)
	}

	var album BandcampAlbum
	if err := json.Unmarshal([]byte(raw), &album); err != nil {
		return nil, fmt.Errorf("failed to decode bandcamp track data: %w", err)
	}
	if album.URL == "" {
		album.URL = pageURL
	}
	return &album, nil
}

// Load resolves a track or album page.
func (b *BandcampSource) Load(ctx context.Context, identifier string) (*models.LoadResult, error) {
	album, err := b.fetchAlbum(ctx, identifier)
	if err != nil {
		return nil, err
	}

	base := identifier
	if u, err := url.Parse(identifier); err == nil {
		base = u.Scheme + "://" + u.Host
	}

	artwork := ""
	if album.ArtID != 0 {
		artwork = fmt.Sprintf("https://f4.bcbits.com/img/a%d_10.jpg", album.ArtID)
	}

	tracks := make([]models.Track, 0, len(album.TrackInfo))
	for _, ti := range album.TrackInfo {
		link := identifier
		if album.ItemType == "album" && ti.TitleLink != "" {
			link = base + ti.TitleLink
		}
		track, err := codec.NewTrack(models.TrackInfo{
			Identifier: link,
			Title:      ti.Title,
			Author:     album.Artist,
			Length:     int64(ti.Duration * 1000),
			URI:        models.StringPtr(link),
			ArtworkURL: models.StringPtr(artwork),
			SourceName: b.Name(),
		})
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}

	if album.ItemType != "album" {
		if len(tracks) == 0 {
			return models.EmptyResult(), nil
		}
		return models.TrackResult(tracks[0]), nil
	}
	return models.PlaylistResult(album.Current.Title, -1, tracks), nil
}

// Search scrapes the bandcamp search page for tracks.
func (b *BandcampSource) Search(ctx context.Context, query string) (*models.LoadResult, error) {
	endpoint := b.searchURL + "?item_type=t&q=" + url.QueryEscape(query)
	resp, err := getBody(ctx, b.httpClient, "bandcamp", endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bandcamp search: %w", err)
	}

	var tracks []models.Track
	var buildErr error
	doc.Find("li.searchresult").Each(func(i int, sel *goquery.Selection) {
		if buildErr != nil {
			return
		}
		title := strings.TrimSpace(sel.Find(".heading a").First().Text())
		link := strings.TrimSpace(sel.Find(".itemurl a").First().Text())
		if link == "" {
			link, _ = sel.Find(".heading a").First().Attr("href")
		}
		if title == "" || link == "" {
			return
		}
		if idx := strings.Index(link, "?"); idx >= 0 {
			link = link[:idx]
		}

		author := strings.TrimSpace(sel.Find(".subhead").First().Text())
		if _, after, ok := strings.Cut(author, "by "); ok {
			author = strings.TrimSpace(after)
		}
		artwork, _ := sel.Find(".art img").First().Attr("src")

		track, err := codec.NewTrack(models.TrackInfo{
			Identifier: link,
			Title:      title,
			Author:     author,
			URI:        models.StringPtr(link),
			ArtworkURL: models.StringPtr(artwork),
			SourceName: b.Name(),
		})
		if err != nil {
			buildErr = err
			return
		}
		tracks = append(tracks, track)
	})
	if buildErr != nil {
		return nil, buildErr
	}

	return models.SearchResult(tracks), nil
}

// StreamURL returns the mp3-128 file of a track page.
func (b *BandcampSource) StreamURL(ctx context.Context, info models.TrackInfo) (string, error) {
	album, err := b.fetchAlbum(ctx, info.Identifier)
	if err != nil {
		return "", err
	}
	for _, ti := range album.TrackInfo {
		if u := ti.File["mp3-128"]; u != "" {
			return u, nil
		}
	}
	return "", shared.Friendly("This track is not streamable.", shared.ErrTrackNotFound)
}
