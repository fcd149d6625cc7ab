package models

import (
	"fmt"
	"strings"
	"time"
)

// CachedTrack is a resolved track stored by source identifier, used to skip repeated mirror lookups.
type CachedTrack struct {
	record
	source     string
	identifier string
	isrc       string
	encoded    string
}

// NewCachedTrack creates a [CachedTrack] for an encoded track.
func NewCachedTrack(sequence int, source, identifier, isrc, encoded string) *CachedTrack {
	return &CachedTrack{
		record:     newRecord(sequence),
		source:     source,
		identifier: identifier,
		isrc:       isrc,
		encoded:    encoded,
	}
}

func (t *CachedTrack) Source() string     { return t.source }
func (t *CachedTrack) Identifier() string { return t.identifier }
func (t *CachedTrack) ISRC() string       { return t.isrc }
func (t *CachedTrack) Encoded() string    { return t.encoded }

// SetEncoded replaces the cached encoded track.
func (t *CachedTrack) SetEncoded(encoded string) { t.encoded = encoded }

// Validate ensures the cache key and payload are present.
func (t *CachedTrack) Validate() error {
	if t.source == "" {
		return fmt.Errorf("source is required")
	}
	if t.identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if t.encoded == "" {
		return fmt.Errorf("encoded track is required")
	}
	return nil
}

// LastFMUser links a Discord user id to a last.fm account.
type LastFMUser struct {
	record
	userID     string
	username   string
	sessionKey string
	scrobble   bool
}

// NewLastFMUser creates a [LastFMUser] with scrobbling enabled.
func NewLastFMUser(sequence int, userID, username, sessionKey string) *LastFMUser {
	return &LastFMUser{
		record:     newRecord(sequence),
		userID:     userID,
		username:   username,
		sessionKey: sessionKey,
		scrobble:   true,
	}
}

func (u *LastFMUser) UserID() string     { return u.userID }
func (u *LastFMUser) Username() string   { return u.username }
func (u *LastFMUser) SessionKey() string { return u.sessionKey }
func (u *LastFMUser) Scrobble() bool     { return u.scrobble }

func (u *LastFMUser) SetUsername(name string)  { u.username = name }
func (u *LastFMUser) SetSessionKey(key string) { u.sessionKey = key }
func (u *LastFMUser) SetScrobble(on bool)      { u.scrobble = on }

// CanScrobble reports whether the user has a session key and scrobbling turned on.
func (u *LastFMUser) CanScrobble() bool {
	return u.scrobble && u.sessionKey != ""
}

// Validate ensures the user id is present.
func (u *LastFMUser) Validate() error {
	if strings.TrimSpace(u.userID) == "" {
		return fmt.Errorf("user id is required")
	}
	return nil
}

// PluginRecord is an installed plugin artifact.
type PluginRecord struct {
	record
	group     string
	artifact  string
	version   string
	path      string
	checksum  string
	installed time.Time
}

// NewPluginRecord creates a [PluginRecord] installed now.
func NewPluginRecord(sequence int, group, artifact, version, path, checksum string) *PluginRecord {
	rec := newRecord(sequence)
	return &PluginRecord{
		record:    rec,
		group:     group,
		artifact:  artifact,
		version:   version,
		path:      path,
		checksum:  checksum,
		installed: rec.createdAt,
	}
}

func (p *PluginRecord) Group() string          { return p.group }
func (p *PluginRecord) Artifact() string       { return p.artifact }
func (p *PluginRecord) Version() string        { return p.version }
func (p *PluginRecord) Path() string           { return p.path }
func (p *PluginRecord) Checksum() string       { return p.checksum }
func (p *PluginRecord) InstalledAt() time.Time { return p.installed }

func (p *PluginRecord) SetInstalledAt(t time.Time) { p.installed = t }

// Coordinate returns the group:artifact:version triple.
func (p *PluginRecord) Coordinate() string {
	return p.group + ":" + p.artifact + ":" + p.version
}

// Validate ensures the coordinate and path are present.
func (p *PluginRecord) Validate() error {
	if p.group == "" || p.artifact == "" || p.version == "" {
		return fmt.Errorf("plugin coordinate is incomplete: %q", p.Coordinate())
	}
	if p.path == "" {
		return fmt.Errorf("plugin path is required")
	}
	return nil
}
