package models

import (
	"encoding/json"
	"fmt"
)

// TrackInfo is the metadata of a playable track.
type TrackInfo struct {
	Identifier string  `json:"identifier"`
	IsSeekable bool    `json:"isSeekable"`
	Author     string  `json:"author"`
	Length     int64   `json:"length"`
	IsStream   bool    `json:"isStream"`
	Position   int64   `json:"position"`
	Title      string  `json:"title"`
	URI        *string `json:"uri"`
	ArtworkURL *string `json:"artworkUrl"`
	ISRC       *string `json:"isrc"`
	SourceName string  `json:"sourceName"`
}

// Track is a [TrackInfo] with its base64 encoded form.
type Track struct {
	Encoded    string         `json:"encoded"`
	Info       TrackInfo      `json:"info"`
	PluginInfo map[string]any `json:"pluginInfo"`
	UserData   map[string]any `json:"userData"`
}

// StringPtr returns nil for an empty string and a pointer to s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the value behind p or "" when p is nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// LoadType identifies the shape of [LoadResult.Data].
type LoadType string

const (
	LoadTypeTrack    LoadType = "track"
	LoadTypePlaylist LoadType = "playlist"
	LoadTypeSearch   LoadType = "search"
	LoadTypeEmpty    LoadType = "empty"
	LoadTypeError    LoadType = "error"
)

// Severity classifies an [Exception].
type Severity string

const (
	// SeverityCommon marks an expected failure such as an unavailable video. The message is safe for end users.
	SeverityCommon Severity = "common"
	// SeveritySuspicious marks a failure whose cause is unknown, possibly an upstream change.
	SeveritySuspicious Severity = "suspicious"
	// SeverityFault marks a bug or an unrecoverable error inside the node.
	SeverityFault Severity = "fault"
)

// Exception describes a load or playback failure.
type Exception struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Cause    string   `json:"cause"`
}

func (e Exception) Error() string {
	return e.Message
}

// PlaylistInfo is the metadata of a loaded playlist.
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
}

// PlaylistData is the data of a playlist [LoadResult].
type PlaylistData struct {
	Info       PlaylistInfo   `json:"info"`
	PluginInfo map[string]any `json:"pluginInfo"`
	Tracks     []Track        `json:"tracks"`
}

// LoadResult is the outcome of resolving an identifier.
//
// Data holds a [Track], [PlaylistData], []Track, an empty object or an [Exception] depending on LoadType.
type LoadResult struct {
	LoadType LoadType `json:"loadType"`
	Data     any      `json:"data"`
}

// TrackResult wraps a single track.
func TrackResult(track Track) *LoadResult {
	return &LoadResult{LoadType: LoadTypeTrack, Data: track}
}

// PlaylistResult wraps a playlist. selected is -1 when no track is selected.
func PlaylistResult(name string, selected int, tracks []Track) *LoadResult {
	if tracks == nil {
		tracks = []Track{}
	}
	return &LoadResult{
		LoadType: LoadTypePlaylist,
		Data: PlaylistData{
			Info:       PlaylistInfo{Name: name, SelectedTrack: selected},
			PluginInfo: map[string]any{},
			Tracks:     tracks,
		},
	}
}

// SearchResult wraps search results. No results yields an empty result.
func SearchResult(tracks []Track) *LoadResult {
	if len(tracks) == 0 {
		return EmptyResult()
	}
	return &LoadResult{LoadType: LoadTypeSearch, Data: tracks}
}

// EmptyResult reports that nothing matched.
func EmptyResult() *LoadResult {
	return &LoadResult{LoadType: LoadTypeEmpty, Data: struct{}{}}
}

// ErrorResult reports a failure.
func ErrorResult(message string, severity Severity, cause error) *LoadResult {
	exc := Exception{Message: message, Severity: severity}
	if cause != nil {
		exc.Cause = cause.Error()
	}
	return &LoadResult{LoadType: LoadTypeError, Data: exc}
}

// Tracks returns every track carried by the result, in order.
func (r *LoadResult) Tracks() []Track {
	switch data := r.Data.(type) {
	case Track:
		return []Track{data}
	case PlaylistData:
		return data.Tracks
	case []Track:
		return data
	default:
		return nil
	}
}

// First returns the selected playlist track, or the first track of the result.
func (r *LoadResult) First() (Track, bool) {
	if data, ok := r.Data.(PlaylistData); ok {
		idx := data.Info.SelectedTrack
		if idx >= 0 && idx < len(data.Tracks) {
			return data.Tracks[idx], true
		}
	}
	tracks := r.Tracks()
	if len(tracks) == 0 {
		return Track{}, false
	}
	return tracks[0], true
}

// Exception returns the exception of an error result.
func (r *LoadResult) Exception() (Exception, bool) {
	exc, ok := r.Data.(Exception)
	return exc, ok
}

// UnmarshalJSON decodes Data into the concrete type matching LoadType.
func (r *LoadResult) UnmarshalJSON(b []byte) error {
	var raw struct {
		LoadType LoadType        `json:"loadType"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	r.LoadType = raw.LoadType
	var err error
	switch raw.LoadType {
	case LoadTypeTrack:
		var t Track
		err = json.Unmarshal(raw.Data, &t)
		r.Data = t
	case LoadTypePlaylist:
		var p PlaylistData
		err = json.Unmarshal(raw.Data, &p)
		r.Data = p
	case LoadTypeSearch:
		var ts []Track
		err = json.Unmarshal(raw.Data, &ts)
		r.Data = ts
	case LoadTypeEmpty:
		r.Data = struct{}{}
	case LoadTypeError:
		var e Exception
		err = json.Unmarshal(raw.Data, &e)
		r.Data = e
	default:
		return fmt.Errorf("unknown load type %q", raw.LoadType)
	}
	return err
}
