package player

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/desertthunder/waveline/internal/audio"
	"github.com/desertthunder/waveline/internal/shared"
)

// MaxVolume is the highest player volume in percent.
const MaxVolume = 1000

// Optional is a JSON field that distinguishes absent from null.
type Optional[T any] struct {
	Set   bool
	Value *T
}

// Some returns a set Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: &v}
}

// Null returns a set Optional holding null.
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true}
}

func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*o.Value)
}

// VoiceState is the voice server connection of a player.
type VoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// Complete reports whether every field is set.
func (v VoiceState) Complete() bool {
	return v.Token != "" && v.Endpoint != "" && v.SessionID != ""
}

// TrackUpdate selects the track to play by encoded form or identifier.
type TrackUpdate struct {
	Encoded    Optional[string] `json:"encoded,omitzero"`
	Identifier *string          `json:"identifier,omitempty"`
	UserData   map[string]any   `json:"userData,omitempty"`
}

// Update is the body of PATCH /v4/sessions/{sessionId}/players/{guildId}.
type Update struct {
	Track        *TrackUpdate     `json:"track,omitempty"`
	EncodedTrack Optional[string] `json:"encodedTrack,omitzero"`
	Identifier   *string          `json:"identifier,omitempty"`
	Position     *int64           `json:"position,omitempty"`
	EndTime      Optional[int64]  `json:"endTime,omitzero"`
	Volume       *int             `json:"volume,omitempty"`
	Paused       *bool            `json:"paused,omitempty"`
	Filters      *audio.Filters   `json:"filters,omitempty"`
	Voice        *VoiceState      `json:"voice,omitempty"`
	Listeners    *[]string        `json:"listeners,omitempty"`
}

// trackChange folds the track, encodedTrack and identifier fields into one selection.
func (u Update) trackChange() (encoded Optional[string], identifier *string, userData map[string]any) {
	if u.Track != nil {
		return u.Track.Encoded, u.Track.Identifier, u.Track.UserData
	}
	return u.EncodedTrack, u.Identifier, nil
}

// Validate checks the update against the enabled filters.
func (u Update) Validate(enabled shared.FiltersConfig) error {
	encoded, identifier, _ := u.trackChange()
	if encoded.Set && identifier != nil {
		return fmt.Errorf("%w: only one of encoded track and identifier may be set", shared.ErrInvalidInput)
	}
	if u.Track != nil && (u.EncodedTrack.Set || u.Identifier != nil) {
		return fmt.Errorf("%w: track cannot be combined with encodedTrack or identifier", shared.ErrInvalidInput)
	}
	if u.Position != nil && *u.Position < 0 {
		return fmt.Errorf("%w: position must not be negative", shared.ErrInvalidArgument)
	}
	if u.EndTime.Value != nil && *u.EndTime.Value < 0 {
		return fmt.Errorf("%w: endTime must not be negative", shared.ErrInvalidArgument)
	}
	if u.Volume != nil && (*u.Volume < 0 || *u.Volume > MaxVolume) {
		return fmt.Errorf("%w: volume %d must be between 0 and %d", shared.ErrInvalidArgument, *u.Volume, MaxVolume)
	}
	if u.Filters != nil {
		if err := u.Filters.Validate(enabled); err != nil {
			return err
		}
	}
	return nil
}
