package audio

import (
	"math"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
)

// sampleStreamer applies fn to every stereo sample read from s.
type sampleStreamer struct {
	s  beep.Streamer
	fn func(l, r float64) (float64, float64)
}

func (p *sampleStreamer) Stream(samples [][2]float64) (int, bool) {
	n, ok := p.s.Stream(samples)
	for i := range samples[:n] {
		samples[i][0], samples[i][1] = p.fn(samples[i][0], samples[i][1])
	}
	return n, ok
}

func (p *sampleStreamer) Err() error {
	return p.s.Err()
}

// oscillator yields sin(2*pi*freq*t) advancing one sample per call.
type oscillator struct {
	phase float64
	step  float64
}

func newOscillator(freq float64, rate beep.SampleRate) *oscillator {
	return &oscillator{step: 2 * math.Pi * freq / float64(rate)}
}

func (o *oscillator) next() float64 {
	v := math.Sin(o.phase)
	o.phase += o.step
	if o.phase > 2*math.Pi {
		o.phase -= 2 * math.Pi
	}
	return v
}

// biquad is an RBJ band-pass section with per-channel state.
type biquad struct {
	b0, b2, a1, a2 float64
	x1, x2, y1, y2 [2]float64
}

func newBandPass(freq, q float64, rate beep.SampleRate) *biquad {
	nyquist := float64(rate) / 2
	if freq >= nyquist {
		freq = nyquist * 0.95
	}
	if q <= 0 {
		q = 1
	}
	w0 := 2 * math.Pi * freq / float64(rate)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha
	return &biquad{
		b0: alpha / a0,
		b2: -alpha / a0,
		a1: -2 * math.Cos(w0) / a0,
		a2: (1 - alpha) / a0,
	}
}

func (b *biquad) process(ch int, x float64) float64 {
	y := b.b0*x + b.b2*b.x2[ch] - b.a1*b.y1[ch] - b.a2*b.y2[ch]
	b.x2[ch], b.x1[ch] = b.x1[ch], x
	b.y2[ch], b.y1[ch] = b.y1[ch], y
	return y
}

func newEqualizer(s beep.Streamer, rate beep.SampleRate, bands []EqualizerBand) beep.Streamer {
	type band struct {
		filter *biquad
		gain   float64
	}
	var active []band
	for _, b := range bands {
		if b.Gain == 0 {
			continue
		}
		active = append(active, band{filter: newBandPass(equalizerFrequencies[b.Band], 1.4, rate), gain: b.Gain * 4})
	}
	return &sampleStreamer{s: s, fn: func(l, r float64) (float64, float64) {
		ol, or := l, r
		for _, b := range active {
			ol += b.gain * b.filter.process(0, l)
			or += b.gain * b.filter.process(1, r)
		}
		return ol, or
	}}
}

func newKaraoke(s beep.Streamer, rate beep.SampleRate, k Karaoke) beep.Streamer {
	band, width := k.FilterBand, k.FilterWidth
	if band == 0 {
		band = 220
	}
	if width == 0 {
		width = 100
	}
	mono := newBandPass(band, band/width, rate)
	return &sampleStreamer{s: s, fn: func(l, r float64) (float64, float64) {
		side := (l - r) / 2
		kept := mono.process(0, (l+r)/2) * k.MonoLevel
		return l*(1-k.Level) + k.Level*(side+kept), r*(1-k.Level) + k.Level*(kept-side)
	}}
}

func newTremolo(s beep.Streamer, rate beep.SampleRate, t Tremolo) beep.Streamer {
	osc := newOscillator(t.Frequency, rate)
	return &sampleStreamer{s: s, fn: func(l, r float64) (float64, float64) {
		gain := 1 - t.Depth*(1+osc.next())/2
		return l * gain, r * gain
	}}
}

// vibratoMaxDelay is the widest pitch modulation delay.
const vibratoMaxDelay = 0.004

func newVibrato(s beep.Streamer, rate beep.SampleRate, v Vibrato) beep.Streamer {
	size := int(float64(rate)*vibratoMaxDelay) + 2
	ring := make([][2]float64, size)
	pos := 0
	osc := newOscillator(v.Frequency, rate)
	maxDelay := float64(size - 2)

	return &sampleStreamer{s: s, fn: func(l, r float64) (float64, float64) {
		ring[pos] = [2]float64{l, r}
		delay := v.Depth * maxDelay * (1 + osc.next()) / 2

		read := float64(pos) - delay
		for read < 0 {
			read += float64(size)
		}
		i := int(read)
		frac := read - float64(i)
		a, b := ring[i%size], ring[(i+1)%size]

		pos = (pos + 1) % size
		return a[0]*(1-frac) + b[0]*frac, a[1]*(1-frac) + b[1]*frac
	}}
}

func newRotation(s beep.Streamer, rate beep.SampleRate, r Rotation) beep.Streamer {
	osc := newOscillator(r.RotationHz, rate)
	return &sampleStreamer{s: s, fn: func(l, rr float64) (float64, float64) {
		pan := osc.next()
		return l * math.Min(1, 1-pan), rr * math.Min(1, 1+pan)
	}}
}

func newDistortion(s beep.Streamer, d Distortion) beep.Streamer {
	shape := func(x float64) float64 {
		if d.SinScale == 0 && d.CosScale == 0 && d.TanScale == 0 {
			return clamp(d.Offset + orScale(d.Scale)*x)
		}
		v := 1.0
		if d.SinScale != 0 {
			v *= d.SinOffset + math.Sin(x*d.SinScale)
		}
		if d.CosScale != 0 {
			v *= d.CosOffset + math.Cos(x*d.CosScale)
		}
		if d.TanScale != 0 {
			v *= d.TanOffset + math.Tan(x*d.TanScale)
		}
		return clamp(d.Offset + orScale(d.Scale)*v)
	}
	return &sampleStreamer{s: s, fn: func(l, r float64) (float64, float64) {
		return shape(l), shape(r)
	}}
}

func orScale(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

func newChannelMix(s beep.Streamer, c ChannelMix) beep.Streamer {
	ll, lr, rl, rr := c.matrix()
	return &sampleStreamer{s: s, fn: func(l, r float64) (float64, float64) {
		return l*ll + r*rl, l*lr + r*rr
	}}
}

func newLowPass(s beep.Streamer, lp LowPass) beep.Streamer {
	var yl, yr float64
	return &sampleStreamer{s: s, fn: func(l, r float64) (float64, float64) {
		yl += (l - yl) / lp.Smoothing
		yr += (r - yr) / lp.Smoothing
		return yl, yr
	}}
}

func newGain(s beep.Streamer, volume float64) beep.Streamer {
	return &effects.Gain{Streamer: s, Gain: volume - 1}
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
