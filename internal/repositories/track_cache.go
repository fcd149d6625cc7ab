package repositories

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/models"
)

// TrackCacheAdapter implements services.TrackCacher using [TrackCacheRepository].
//
// Mirror hits are stored under the mirrored track's key and found again by its ISRC.
type TrackCacheAdapter struct {
	repo   *TrackCacheRepository
	logger *log.Logger
}

// NewTrackCacheAdapter creates a new TrackCacheAdapter with the given repository
func NewTrackCacheAdapter(repo *TrackCacheRepository, logger *log.Logger) *TrackCacheAdapter {
	return &TrackCacheAdapter{repo: repo, logger: logger}
}

// CachedByISRC returns the playable track cached for isrc. Undecodable rows count as misses.
func (a *TrackCacheAdapter) CachedByISRC(isrc string) (models.Track, bool) {
	cached, err := a.repo.GetByISRC(isrc)
	if err != nil {
		return models.Track{}, false
	}

	track, err := codec.DecodeTrack(cached.Encoded())
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("dropping undecodable cached track", "isrc", isrc, "error", err)
		}
		_ = a.repo.Delete(cached.ID())
		return models.Track{}, false
	}
	return track, true
}

// CacheTrack stores track as the mirror of source/identifier.
func (a *TrackCacheAdapter) CacheTrack(source, identifier, isrc string, track models.Track) error {
	if _, err := a.repo.Put(source, identifier, isrc, track.Encoded); err != nil {
		return fmt.Errorf("failed to cache track: %w", err)
	}
	return nil
}
