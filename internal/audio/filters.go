// Package audio decodes track streams, applies filters and delivers encoded 20 ms frames to a voice sink.
//
// # Pipeline
//
// A [Pipeline] runs two goroutines per track. The producer pulls PCM from a decoder through the
// filter chain into a bounded frame buffer. The consumer takes one frame per tick, encodes it and
// hands it to the [VoiceSink]. Seeks, filter changes and volume changes are applied by the producer
// between frames so the decoder and filter state are never shared.
//
// # Filters
//
// [Filters] mirrors the player filters object. Each filter is a beep.Streamer wrapper; timescale
// is a resample ratio.
package audio

import (
	"fmt"

	"github.com/faiface/beep"

	"github.com/desertthunder/waveline/internal/shared"
)

// EqualizerBands is the number of equalizer bands.
const EqualizerBands = 15

var equalizerFrequencies = [EqualizerBands]float64{
	25, 40, 63, 100, 160, 250, 400, 630, 1000, 1600, 2500, 4000, 6300, 10000, 16000,
}

// EqualizerBand sets the gain of one band. -0.25 mutes the band, 0.25 doubles it.
type EqualizerBand struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

// Karaoke removes center-panned vocals while keeping a mono band.
type Karaoke struct {
	Level       float64 `json:"level"`
	MonoLevel   float64 `json:"monoLevel"`
	FilterBand  float64 `json:"filterBand"`
	FilterWidth float64 `json:"filterWidth"`
}

// Timescale changes playback speed and rate. Unset fields are 1.
type Timescale struct {
	Speed *float64 `json:"speed,omitempty"`
	Pitch *float64 `json:"pitch,omitempty"`
	Rate  *float64 `json:"rate,omitempty"`
}

// Ratio is the resample ratio applied to the stream.
func (t *Timescale) Ratio() float64 {
	if t == nil {
		return 1
	}
	return orOne(t.Speed) * orOne(t.Rate)
}

// Tremolo oscillates volume.
type Tremolo struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
}

// Vibrato oscillates pitch.
type Vibrato struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
}

// Distortion shapes each sample through sin, cos and tan terms. A term is used when its scale is non-zero.
type Distortion struct {
	SinOffset float64 `json:"sinOffset"`
	SinScale  float64 `json:"sinScale"`
	CosOffset float64 `json:"cosOffset"`
	CosScale  float64 `json:"cosScale"`
	TanOffset float64 `json:"tanOffset"`
	TanScale  float64 `json:"tanScale"`
	Offset    float64 `json:"offset"`
	Scale     float64 `json:"scale"`
}

// Rotation pans audio around the stereo field.
type Rotation struct {
	RotationHz float64 `json:"rotationHz"`
}

// ChannelMix mixes the channels. Unset fields keep the identity mix.
type ChannelMix struct {
	LeftToLeft   *float64 `json:"leftToLeft,omitempty"`
	LeftToRight  *float64 `json:"leftToRight,omitempty"`
	RightToLeft  *float64 `json:"rightToLeft,omitempty"`
	RightToRight *float64 `json:"rightToRight,omitempty"`
}

func (c *ChannelMix) matrix() (ll, lr, rl, rr float64) {
	return orValue(c.LeftToLeft, 1), orValue(c.LeftToRight, 0), orValue(c.RightToLeft, 0), orValue(c.RightToRight, 1)
}

// LowPass suppresses higher frequencies. Smoothing above 1 is active.
type LowPass struct {
	Smoothing float64 `json:"smoothing"`
}

// Filters is the filter state of a player.
type Filters struct {
	Volume        *float64        `json:"volume,omitempty"`
	Equalizer     []EqualizerBand `json:"equalizer,omitempty"`
	Karaoke       *Karaoke        `json:"karaoke,omitempty"`
	Timescale     *Timescale      `json:"timescale,omitempty"`
	Tremolo       *Tremolo        `json:"tremolo,omitempty"`
	Vibrato       *Vibrato        `json:"vibrato,omitempty"`
	Distortion    *Distortion     `json:"distortion,omitempty"`
	Rotation      *Rotation       `json:"rotation,omitempty"`
	ChannelMix    *ChannelMix     `json:"channelMix,omitempty"`
	LowPass       *LowPass        `json:"lowPass,omitempty"`
	PluginFilters map[string]any  `json:"pluginFilters,omitempty"`
}

// Names returns the set filters in wire order.
func (f Filters) Names() []string {
	var names []string
	add := func(name string, set bool) {
		if set {
			names = append(names, name)
		}
	}
	add("volume", f.Volume != nil)
	add("equalizer", len(f.Equalizer) > 0)
	add("karaoke", f.Karaoke != nil)
	add("timescale", f.Timescale != nil)
	add("tremolo", f.Tremolo != nil)
	add("vibrato", f.Vibrato != nil)
	add("distortion", f.Distortion != nil)
	add("rotation", f.Rotation != nil)
	add("channelMix", f.ChannelMix != nil)
	add("lowPass", f.LowPass != nil)
	return names
}

// Validate rejects filters that are disabled in the node configuration and out-of-range values.
func (f Filters) Validate(enabled shared.FiltersConfig) error {
	allowed := map[string]bool{}
	for _, name := range enabled.Enabled() {
		allowed[name] = true
	}
	for _, name := range f.Names() {
		if !allowed[name] {
			return fmt.Errorf("%w: %s", shared.ErrFilterDisabled, name)
		}
	}

	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", shared.ErrInvalidArgument, fmt.Sprintf(format, args...))
	}

	if f.Volume != nil && (*f.Volume < 0 || *f.Volume > 5) {
		return invalid("volume %.2f must be between 0 and 5", *f.Volume)
	}
	for _, b := range f.Equalizer {
		if b.Band < 0 || b.Band >= EqualizerBands {
			return invalid("equalizer band %d must be between 0 and %d", b.Band, EqualizerBands-1)
		}
		if b.Gain < -0.25 || b.Gain > 1 {
			return invalid("equalizer gain %.2f must be between -0.25 and 1.0", b.Gain)
		}
	}
	if k := f.Karaoke; k != nil && (k.FilterBand < 0 || k.FilterWidth < 0) {
		return invalid("karaoke filterBand and filterWidth must not be negative")
	}
	if t := f.Timescale; t != nil {
		for name, v := range map[string]*float64{"speed": t.Speed, "pitch": t.Pitch, "rate": t.Rate} {
			if v != nil && *v <= 0 {
				return invalid("timescale %s must be greater than 0", name)
			}
		}
	}
	if t := f.Tremolo; t != nil {
		if t.Frequency <= 0 {
			return invalid("tremolo frequency must be greater than 0")
		}
		if t.Depth <= 0 || t.Depth > 1 {
			return invalid("tremolo depth must be in (0, 1]")
		}
	}
	if v := f.Vibrato; v != nil {
		if v.Frequency <= 0 || v.Frequency > 14 {
			return invalid("vibrato frequency must be in (0, 14]")
		}
		if v.Depth <= 0 || v.Depth > 1 {
			return invalid("vibrato depth must be in (0, 1]")
		}
	}
	if r := f.Rotation; r != nil && r.RotationHz < 0 {
		return invalid("rotationHz must not be negative")
	}
	if c := f.ChannelMix; c != nil {
		for _, v := range []*float64{c.LeftToLeft, c.LeftToRight, c.RightToLeft, c.RightToRight} {
			if v != nil && (*v < 0 || *v > 1) {
				return invalid("channelMix values must be between 0 and 1")
			}
		}
	}
	if l := f.LowPass; l != nil && l.Smoothing < 0 {
		return invalid("lowPass smoothing must not be negative")
	}

	return nil
}

// Ratio is the playback speed factor from the timescale filter.
func (f Filters) Ratio() float64 {
	return f.Timescale.Ratio()
}

// Chain wraps s in the active filters. s must already be at rate.
func (f Filters) Chain(s beep.Streamer, rate beep.SampleRate, quality int) beep.Streamer {
	if ratio := f.Ratio(); ratio != 1 {
		s = beep.ResampleRatio(quality, ratio, s)
	}
	if len(f.Equalizer) > 0 {
		s = newEqualizer(s, rate, f.Equalizer)
	}
	if k := f.Karaoke; k != nil && k.Level > 0 {
		s = newKaraoke(s, rate, *k)
	}
	if t := f.Tremolo; t != nil {
		s = newTremolo(s, rate, *t)
	}
	if v := f.Vibrato; v != nil {
		s = newVibrato(s, rate, *v)
	}
	if r := f.Rotation; r != nil && r.RotationHz > 0 {
		s = newRotation(s, rate, *r)
	}
	if d := f.Distortion; d != nil {
		s = newDistortion(s, *d)
	}
	if c := f.ChannelMix; c != nil {
		s = newChannelMix(s, *c)
	}
	if l := f.LowPass; l != nil && l.Smoothing > 1 {
		s = newLowPass(s, *l)
	}
	if f.Volume != nil && *f.Volume != 1 {
		s = newGain(s, *f.Volume)
	}
	return s
}

func orOne(v *float64) float64 {
	return orValue(v, 1)
}

func orValue(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
