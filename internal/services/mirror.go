package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

const (
	isrcPattern  = "%ISRC%"
	queryPattern = "%QUERY%"
)

// MirroredSources are sources whose tracks are played from another source.
var MirroredSources = map[string]bool{
	"spotify":    true,
	"applemusic": true,
	"deezer":     true,
}

// TrackCacher stores mirror hits by ISRC.
type TrackCacher interface {
	CachedByISRC(isrc string) (models.Track, bool)
	CacheTrack(source, identifier, isrc string, track models.Track) error
}

// Mirror finds a playable track for a mirrored one by running provider templates through a [Registry].
type Mirror struct {
	registry  *Registry
	providers []string
	cache     TrackCacher
	logger    *log.Logger
}

// NewMirror creates a mirror. cache may be nil.
func NewMirror(registry *Registry, providers []string, cache TrackCacher, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Mirror{
		registry:  registry,
		providers: providers,
		cache:     cache,
		logger:    shared.WithLogger(logger, "component", "mirror"),
	}
}

// Templates expands the provider templates for info, skipping ISRC templates when it has none.
func (m *Mirror) Templates(info models.TrackInfo) []string {
	isrc := models.Deref(info.ISRC)
	query := info.Title + " - " + info.Author

	var out []string
	for _, tmpl := range m.providers {
		switch {
		case strings.Contains(tmpl, isrcPattern):
			if isrc == "" {
				continue
			}
			out = append(out, strings.ReplaceAll(tmpl, isrcPattern, isrc))
		case strings.Contains(tmpl, queryPattern):
			out = append(out, strings.ReplaceAll(tmpl, queryPattern, query))
		default:
			out = append(out, tmpl)
		}
	}
	return out
}

// Resolve returns the first playable track matching info.
func (m *Mirror) Resolve(ctx context.Context, info models.TrackInfo) (models.Track, error) {
	isrc := models.Deref(info.ISRC)
	if isrc != "" && m.cache != nil {
		if track, ok := m.cache.CachedByISRC(isrc); ok {
			m.logger.Debug("mirror cache hit", "isrc", isrc, "identifier", track.Info.Identifier)
			return track, nil
		}
	}

	for _, identifier := range m.Templates(info) {
		result := m.registry.LoadItem(ctx, identifier)
		track, ok := result.First()
		if !ok {
			if exc, isErr := result.Exception(); isErr {
				m.logger.Debug("mirror provider failed", "identifier", identifier, "error", exc.Message)
			}
			continue
		}

		if isrc != "" && m.cache != nil && strings.Contains(identifier, isrc) {
			if err := m.cache.CacheTrack(info.SourceName, info.Identifier, isrc, track); err != nil {
				m.logger.Warn("failed to cache mirror", "isrc", isrc, "error", err)
			}
		}
		return track, nil
	}

	return models.Track{}, fmt.Errorf("%w: no mirror for %q by %q", shared.ErrTrackNotFound, info.Title, info.Author)
}

// StreamURL plays info from its own source, or from a mirror when the source is mirrored.
func (m *Mirror) StreamURL(ctx context.Context, info models.TrackInfo) (string, models.TrackInfo, error) {
	if !MirroredSources[info.SourceName] {
		u, err := m.registry.StreamURL(ctx, info)
		return u, info, err
	}

	track, err := m.Resolve(ctx, info)
	if err != nil {
		return "", info, err
	}
	u, err := m.registry.StreamURL(ctx, track.Info)
	return u, track.Info, err
}
