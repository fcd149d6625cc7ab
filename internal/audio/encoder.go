package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"layeh.com/gopus"
)

// maxOpusPacket bounds an encoded 20 ms frame.
const maxOpusPacket = 4000

// Encoder turns one interleaved stereo PCM frame into a voice packet.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// OpusEncoder encodes 48 kHz stereo frames with libopus.
type OpusEncoder struct {
	mu  sync.Mutex
	enc *gopus.Encoder
}

// OpusBitrate maps encoding quality 0..10 to a bitrate between 16 and 128 kbps.
func OpusBitrate(quality int) int {
	quality = min(max(quality, 0), 10)
	return 16000 + quality*11200
}

// NewOpusEncoder creates an encoder for quality 0..10.
func NewOpusEncoder(quality int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(int(SampleRate), 2, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	enc.SetBitrate(OpusBitrate(quality))
	return &OpusEncoder{enc: enc}, nil
}

// Encode encodes a 960 sample stereo frame.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(pcm, FrameSamples, maxOpusPacket)
}

// VoiceSink receives encoded frames for a guild's voice connection.
type VoiceSink interface {
	SendFrame(frame []byte) error
}

// DiscardSink drops frames and counts them. It is used until a voice transport is attached.
type DiscardSink struct {
	frames atomic.Int64
	bytes  atomic.Int64
}

func (d *DiscardSink) SendFrame(frame []byte) error {
	d.frames.Add(1)
	d.bytes.Add(int64(len(frame)))
	return nil
}

// Frames returns the number of frames received.
func (d *DiscardSink) Frames() int64 {
	return d.frames.Load()
}

// Bytes returns the number of encoded bytes received.
func (d *DiscardSink) Bytes() int64 {
	return d.bytes.Load()
}

// FrameCounter accumulates frame delivery counts across the tracks of a player.
type FrameCounter struct {
	sent   atomic.Int64
	nulled atomic.Int64
}

func (c *FrameCounter) Sent() int64   { return c.sent.Load() }
func (c *FrameCounter) Nulled() int64 { return c.nulled.Load() }

// Add adds to both totals.
func (c *FrameCounter) Add(sent, nulled int64) {
	c.sent.Add(sent)
	c.nulled.Add(nulled)
}
