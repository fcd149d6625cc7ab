package services

import (
	"context"
	"fmt"
	"math"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

// playableTypes lists non-audio/* content types accepted by [HTTPSource].
var playableTypes = map[string]bool{
	"application/ogg":               true,
	"application/octet-stream":      true,
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"video/mp4":                     true,
	"video/webm":                    true,
}

// HTTPSource plays arbitrary audio URLs. It must be registered after every other URL source.
type HTTPSource struct {
	client *http.Client
	logger *log.Logger
}

// NewHTTPSource creates the http source.
func NewHTTPSource(client *http.Client, logger *log.Logger) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{client: client, logger: sourceLogger(logger, "http")}
}

// Name returns the source name.
func (h *HTTPSource) Name() string {
	return "http"
}

// SearchPrefixes returns nothing; the http source cannot search.
func (h *HTTPSource) SearchPrefixes() []string {
	return nil
}

// CanLoad accepts any absolute http(s) URL.
func (h *HTTPSource) CanLoad(identifier string) bool {
	u, err := url.Parse(identifier)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// probe issues a HEAD request, falling back to GET when the server rejects HEAD.
func (h *HTTPSource) probe(ctx context.Context, target string) (*http.Response, error) {
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Icy-MetaData", "1")

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		resp.Body.Close()

		if method == http.MethodHead && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{Service: "http", StatusCode: resp.StatusCode}
		}
		return resp, nil
	}
	return nil, &StatusError{Service: "http", StatusCode: http.StatusMethodNotAllowed}
}

// Load probes the URL and returns a track when the content type is playable.
//
// Responses without a Content-Length, or carrying icy headers, are treated as streams.
func (h *HTTPSource) Load(ctx context.Context, identifier string) (*models.LoadResult, error) {
	resp, err := h.probe(ctx, identifier)
	if err != nil {
		if code := statusCode(err); code != 0 {
			return nil, shared.Friendly(fmt.Sprintf("Failed to load the URL (HTTP %d).", code), err)
		}
		return nil, err
	}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "audio/") && !playableTypes[contentType] {
		return nil, shared.Friendly("Unknown file format.", fmt.Errorf("%w: content type %q", shared.ErrInvalidTrack, contentType))
	}

	icyName := resp.Header.Get("icy-name")
	isStream := resp.ContentLength < 0 || icyName != ""

	title := icyName
	if title == "" {
		title = titleFromPath(resp.Request.URL.Path)
	}

	length := int64(math.MaxInt64)
	if !isStream {
		// Unknown until decoded.
		length = 0
	}

	track, err := codec.NewTrack(models.TrackInfo{
		Identifier: identifier,
		Title:      title,
		Author:     "Unknown artist",
		Length:     length,
		IsStream:   isStream,
		URI:        models.StringPtr(identifier),
		SourceName: h.Name(),
	})
	if err != nil {
		return nil, err
	}
	track.PluginInfo["contentType"] = contentType
	return models.TrackResult(track), nil
}

// Search is unsupported.
func (h *HTTPSource) Search(context.Context, string) (*models.LoadResult, error) {
	return models.EmptyResult(), nil
}

// StreamURL returns the track URL itself.
func (h *HTTPSource) StreamURL(_ context.Context, info models.TrackInfo) (string, error) {
	return info.Identifier, nil
}

func titleFromPath(p string) string {
	base := path.Base(p)
	if base == "/" || base == "." || base == "" {
		return "Unknown title"
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	return strings.TrimSuffix(base, path.Ext(base))
}
