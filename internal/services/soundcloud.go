// SoundCloud [Source] implementation
//
// The public web client id is scraped from soundcloud.com asset scripts and used against api-v2.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"

	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

const (
	soundcloudWebURL = "https://soundcloud.com"
	soundcloudAPIURL = "https://api-v2.soundcloud.com"
)

var soundcloudClientIDPattern = regexp.MustCompile(`client_id\s*[:=]\s*"?([a-zA-Z0-9]{32})"?`)

type soundcloudUser struct {
	Username string `json:"username"`
}

type soundcloudTranscoding struct {
	URL    string `json:"url"`
	Format struct {
		Protocol string `json:"protocol"`
		MimeType string `json:"mime_type"`
	} `json:"format"`
}

// SoundCloudTrack is a track resource from api-v2.
type SoundCloudTrack struct {
	ID                int64          `json:"id"`
	Kind              string         `json:"kind"`
	Title             string         `json:"title"`
	User              soundcloudUser `json:"user"`
	Duration          int64          `json:"duration"`
	PermalinkURL      string         `json:"permalink_url"`
	ArtworkURL        string         `json:"artwork_url"`
	PublisherMetadata *struct {
		ISRC string `json:"isrc"`
	} `json:"publisher_metadata"`
	Media struct {
		Transcodings []soundcloudTranscoding `json:"transcodings"`
	} `json:"media"`
}

type soundcloudResource struct {
	SoundCloudTrack
	Tracks []SoundCloudTrack `json:"tracks"`
}

// SoundCloudSource loads SoundCloud tracks, sets and searches.
type SoundCloudSource struct {
	webURL     string
	apiURL     string
	httpClient *http.Client
	logger     *log.Logger

	mu       sync.RWMutex
	clientID string
}

// NewSoundCloudSource creates a SoundCloud source. The client id is fetched lazily.
func NewSoundCloudSource(client *http.Client, logger *log.Logger) *SoundCloudSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &SoundCloudSource{
		webURL:     soundcloudWebURL,
		apiURL:     soundcloudAPIURL,
		httpClient: client,
		logger:     sourceLogger(logger, "soundcloud"),
	}
}

// Name returns the source name.
func (s *SoundCloudSource) Name() string {
	return "soundcloud"
}

// SearchPrefixes returns scsearch.
func (s *SoundCloudSource) SearchPrefixes() []string {
	return []string{"scsearch"}
}

// CanLoad accepts soundcloud.com URLs.
func (s *SoundCloudSource) CanLoad(identifier string) bool {
	u, err := url.Parse(identifier)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Host)
	return host == "soundcloud.com" || host == "www.soundcloud.com" || host == "m.soundcloud.com"
}

// Refresh scrapes a new client id.
func (s *SoundCloudSource) Refresh(ctx context.Context) error {
	resp, err := getBody(ctx, s.httpClient, "soundcloud", s.webURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to parse soundcloud page: %w", err)
	}

	var scripts []string
	doc.Find("script[src]").Each(func(i int, sel *goquery.Selection) {
		if src, ok := sel.Attr("src"); ok && strings.Contains(src, "sndcdn.com/assets/") {
			scripts = append(scripts, src)
		}
	})

	// The id lives in one of the last bundles.
	for i := len(scripts) - 1; i >= 0; i-- {
		id, err := s.clientIDFromScript(ctx, scripts[i])
		if err != nil {
			s.logger.Debug("script without client id", "src", scripts[i], "error", err)
			continue
		}
		s.mu.Lock()
		s.clientID = id
		s.mu.Unlock()
		s.logger.Info("refreshed soundcloud client id")
		return nil
	}

	return fmt.Errorf("%w: soundcloud client id not found in %d scripts", shared.ErrServiceUnavailable, len(scripts))
}

func (s *SoundCloudSource) clientIDFromScript(ctx context.Context, src string) (string, error) {
	resp, err := getBody(ctx, s.httpClient, "soundcloud", src)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", err
	}

	match := soundcloudClientIDPattern.FindSubmatch(body)
	if match == nil {
		return "", shared.ErrTrackNotFound
	}
	return string(match[1]), nil
}

func (s *SoundCloudSource) currentClientID(ctx context.Context) (string, error) {
	s.mu.RLock()
	id := s.clientID
	s.mu.RUnlock()
	if id != "" {
		return id, nil
	}
	if err := s.Refresh(ctx); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID, nil
}

// api calls an api-v2 endpoint, refreshing the client id once on 401/403.
func (s *SoundCloudSource) api(ctx context.Context, endpoint string, params url.Values, result any) error {
	for attempt := 0; attempt < 2; attempt++ {
		id, err := s.currentClientID(ctx)
		if err != nil {
			return err
		}

		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		q.Set("client_id", id)

		target := endpoint
		if !strings.HasPrefix(target, "http") {
			target = s.apiURL + endpoint
		}
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}

		err = doJSON(ctx, s.httpClient, "soundcloud", target+sep+q.Encode(), nil, result)
		code := statusCode(err)
		if attempt == 0 && (code == http.StatusUnauthorized || code == http.StatusForbidden) {
			s.mu.Lock()
			s.clientID = ""
			s.mu.Unlock()
			continue
		}
		if code == http.StatusNotFound {
			return shared.Friendly("This track is not available.", err)
		}
		return err
	}
	return nil
}

// Load resolves a track or set URL.
func (s *SoundCloudSource) Load(ctx context.Context, identifier string) (*models.LoadResult, error) {
	var res soundcloudResource
	if err := s.api(ctx, "/resolve", url.Values{"url": {identifier}}, &res); err != nil {
		return nil, err
	}

	switch res.Kind {
	case "track":
		track, err := s.toTrack(res.SoundCloudTrack)
		if err != nil {
			return nil, err
		}
		return models.TrackResult(track), nil
	case "playlist", "system-playlist":
		full, err := s.completeTracks(ctx, res.Tracks)
		if err != nil {
			return nil, err
		}
		tracks := make([]models.Track, 0, len(full))
		for _, t := range full {
			track, err := s.toTrack(t)
			if err != nil {
				return nil, err
			}
			tracks = append(tracks, track)
		}
		return models.PlaylistResult(res.Title, -1, tracks), nil
	default:
		return models.EmptyResult(), nil
	}
}

// completeTracks fetches set entries that api-v2 returns as bare ids.
func (s *SoundCloudSource) completeTracks(ctx context.Context, tracks []SoundCloudTrack) ([]SoundCloudTrack, error) {
	var missing []string
	for _, t := range tracks {
		if t.Title == "" {
			missing = append(missing, strconv.FormatInt(t.ID, 10))
		}
	}
	if len(missing) == 0 {
		return tracks, nil
	}

	byID := make(map[int64]SoundCloudTrack)
	for start := 0; start < len(missing); start += 50 {
		end := min(start+50, len(missing))
		var batch []SoundCloudTrack
		if err := s.api(ctx, "/tracks", url.Values{"ids": {strings.Join(missing[start:end], ",")}}, &batch); err != nil {
			return nil, err
		}
		for _, t := range batch {
			byID[t.ID] = t
		}
	}

	out := make([]SoundCloudTrack, 0, len(tracks))
	for _, t := range tracks {
		if t.Title == "" {
			full, ok := byID[t.ID]
			if !ok {
				continue
			}
			t = full
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *SoundCloudSource) toTrack(t SoundCloudTrack) (models.Track, error) {
	info := models.TrackInfo{
		Identifier: strconv.FormatInt(t.ID, 10),
		Title:      t.Title,
		Author:     t.User.Username,
		Length:     t.Duration,
		URI:        models.StringPtr(t.PermalinkURL),
		ArtworkURL: models.StringPtr(strings.Replace(t.ArtworkURL, "-large", "-t500x500", 1)),
		SourceName: s.Name(),
	}
	if t.PublisherMetadata != nil {
		info.ISRC = models.StringPtr(t.PublisherMetadata.ISRC)
	}
	return codec.NewTrack(info)
}

// Search searches tracks.
func (s *SoundCloudSource) Search(ctx context.Context, query string) (*models.LoadResult, error) {
	var res struct {
		Collection []SoundCloudTrack `json:"collection"`
	}
	if err := s.api(ctx, "/search/tracks", url.Values{"q": {query}, "limit": {"10"}}, &res); err != nil {
		return nil, err
	}

	tracks := make([]models.Track, 0, len(res.Collection))
	for _, t := range res.Collection {
		track, err := s.toTrack(t)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return models.SearchResult(tracks), nil
}

// StreamURL resolves the progressive transcoding of a track, falling back to HLS.
func (s *SoundCloudSource) StreamURL(ctx context.Context, info models.TrackInfo) (string, error) {
	var track SoundCloudTrack
	if uri := models.Deref(info.URI); uri != "" {
		if err := s.api(ctx, "/resolve", url.Values{"url": {uri}}, &track); err != nil {
			return "", err
		}
	} else if err := s.api(ctx, "/tracks/"+info.Identifier, nil, &track); err != nil {
		return "", err
	}

	var chosen *soundcloudTranscoding
	for i, tc := range track.Media.Transcodings {
		if tc.Format.Protocol == "progressive" {
			chosen = &track.Media.Transcodings[i]
			break
		}
		if chosen == nil && tc.Format.Protocol == "hls" {
			chosen = &track.Media.Transcodings[i]
		}
	}
	if chosen == nil {
		return "", shared.Friendly("This track cannot be streamed.", errors.New("no transcodings"))
	}

	var stream struct {
		URL string `json:"url"`
	}
	if err := s.api(ctx, chosen.URL, nil, &stream); err != nil {
		return "", err
	}
	return stream.URL, nil
}
