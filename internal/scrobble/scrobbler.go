package scrobble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

const (
	minScrobbleLength = 20 * time.Second
	minPlayedRatio    = 0.75
)

// API is the part of [Client] the scrobbler needs.
type API interface {
	UpdateNowPlaying(ctx context.Context, sessionKey string, play TrackPlay) error
	Scrobble(ctx context.Context, sessionKey string, play TrackPlay) error
}

// SessionStore looks up linked accounts. [repositories.LastFMUserRepository] implements it.
type SessionStore interface {
	Get(userID string) (*models.LastFMUser, error)
	ClearSession(userID string) error
}

type lastScrobble struct {
	key   string
	until time.Time
}

// Scrobbler turns player track events into last.fm calls for every listening user.
type Scrobbler struct {
	api    API
	store  SessionStore
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	recent map[string]lastScrobble
}

// NewScrobbler creates a scrobbler.
func NewScrobbler(api API, store SessionStore, logger *log.Logger) *Scrobbler {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Scrobbler{
		api:    api,
		store:  store,
		logger: shared.WithLogger(logger, "component", "scrobbler"),
		now:    time.Now,
		recent: make(map[string]lastScrobble),
	}
}

// OnTrackStart sends now playing for every listener.
func (s *Scrobbler) OnTrackStart(ctx context.Context, track models.Track, listeners []string) {
	play, ok := Metadata(track)
	if !ok {
		return
	}
	s.each(ctx, listeners, func(userID, sessionKey string) error {
		return s.api.UpdateNowPlaying(ctx, sessionKey, play)
	})
}

// OnTrackEnd scrobbles a finished track that played long enough.
func (s *Scrobbler) OnTrackEnd(ctx context.Context, track models.Track, reason string, played time.Duration, listeners []string) {
	if !ShouldScrobble(track, reason, played) {
		return
	}
	play, ok := Metadata(track)
	if !ok {
		return
	}

	now := s.now()
	play.Timestamp = now.Add(-played)
	requester, _ := track.UserData["requester"].(string)
	key := scrobbleKey(track)

	s.each(ctx, listeners, func(userID, sessionKey string) error {
		if s.duplicate(userID, key, now) {
			s.logger.Debug("skipping duplicate scrobble", "user", userID, "track", key)
			return nil
		}

		p := play
		p.ChosenByUser = requester == "" || requester == userID
		if err := s.api.Scrobble(ctx, sessionKey, p); err != nil {
			return err
		}

		s.mu.Lock()
		s.recent[userID] = lastScrobble{key: key, until: now.Add(time.Duration(track.Info.Length) * time.Millisecond)}
		s.mu.Unlock()
		return nil
	})
}

func (s *Scrobbler) duplicate(userID, key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.recent[userID]
	return ok && last.key == key && now.Before(last.until)
}

func (s *Scrobbler) each(ctx context.Context, listeners []string, fn func(userID, sessionKey string) error) {
	for _, userID := range listeners {
		if ctx.Err() != nil {
			return
		}

		user, err := s.store.Get(userID)
		if err != nil {
			if !errors.Is(err, shared.ErrUserNotFound) {
				s.logger.Warn("failed to load last.fm user", "user", userID, "error", err)
			}
			continue
		}
		if !user.CanScrobble() {
			continue
		}

		err = fn(userID, user.SessionKey())
		if err == nil {
			continue
		}

		var apiErr *LastFMError
		if errors.As(err, &apiErr) && apiErr.InvalidSession() {
			s.logger.Info("clearing revoked last.fm session", "user", userID)
			if err := s.store.ClearSession(userID); err != nil {
				s.logger.Warn("failed to clear last.fm session", "user", userID, "error", err)
			}
			s.mu.Lock()
			delete(s.recent, userID)
			s.mu.Unlock()
			continue
		}
		s.logger.Error("last.fm call failed", "user", userID, "error", err)
	}
}

// ShouldScrobble applies the play rules: finished, at least 20 seconds long and 75% played.
// played is listening time, so seeking close to the end does not count as having heard the track.
func ShouldScrobble(track models.Track, reason string, played time.Duration) bool {
	if !scrobbleable(track) || reason != "finished" {
		return false
	}
	length := time.Duration(track.Info.Length) * time.Millisecond
	if length < minScrobbleLength {
		return false
	}
	return played.Seconds() >= length.Seconds()*minPlayedRatio
}

func scrobbleable(track models.Track) bool {
	if track.Info.IsStream {
		return false
	}
	switch track.Info.SourceName {
	case "local", "http":
		return false
	}
	return true
}

func scrobbleKey(track models.Track) string {
	if uri := models.Deref(track.Info.URI); uri != "" {
		return uri
	}
	return track.Info.SourceName + ":" + track.Info.Identifier
}

// Metadata derives last.fm artist, title and album from a track.
//
// YouTube and SoundCloud tracks need an album name in their plugin info; video titles in
// "Artist - Title" form are split and auto-generated "Artist - Topic" channels are unwrapped.
func Metadata(track models.Track) (TrackPlay, bool) {
	if !scrobbleable(track) {
		return TrackPlay{}, false
	}

	info := track.Info
	album, _ := track.PluginInfo["albumName"].(string)
	artist, name := info.Author, info.Title

	switch info.SourceName {
	case "youtube", "soundcloud":
		if album == "" {
			return TrackPlay{}, false
		}
		if info.SourceName == "youtube" {
			artist, name = splitVideoTitle(info.Author, info.Title)
		}
	case "spotify", "deezer", "applemusic":
		if album == "" {
			album = info.Title
		}
	}

	if first, _, ok := strings.Cut(artist, ","); ok {
		artist = first
	}
	artist = strings.TrimSpace(artist)
	name = strings.TrimSpace(name)
	if artist == "" || name == "" {
		return TrackPlay{}, false
	}

	return TrackPlay{
		Artist:       artist,
		Track:        name,
		Album:        album,
		Duration:     time.Duration(info.Length) * time.Millisecond,
		ChosenByUser: true,
	}, true
}

const topicSuffix = " - topic"

func splitVideoTitle(author, title string) (artist, name string) {
	lower := strings.ToLower(author)
	if strings.HasSuffix(lower, topicSuffix) && !strings.HasSuffix(lower, "release"+topicSuffix) {
		base := author[:len(author)-len(topicSuffix)]
		if !strings.HasPrefix(title, base) {
			return base, title
		}
	}
	if a, n, ok := strings.Cut(title, " - "); ok {
		return a, n
	}
	return author, title
}
