package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/faiface/beep"

	"github.com/desertthunder/waveline/internal/shared"
)

// PipelineConfig holds playback tuning.
type PipelineConfig struct {
	FrameBuffer     time.Duration
	StuckThreshold  time.Duration
	SeekGhosting    bool
	ResampleQuality int
	// Interval is the frame clock, FrameDuration outside tests.
	Interval time.Duration
}

// PipelineConfigFrom reads pipeline settings from the node configuration.
func PipelineConfigFrom(node shared.NodeConfig) PipelineConfig {
	return PipelineConfig{
		FrameBuffer:     time.Duration(node.FrameBufferDurationMs) * time.Millisecond,
		StuckThreshold:  time.Duration(node.TrackStuckThresholdMs) * time.Millisecond,
		SeekGhosting:    node.UseSeekGhosting,
		ResampleQuality: ResampleQuality(node.ResamplingQuality),
		Interval:        FrameDuration,
	}
}

// bufferFrames is the capacity of the frame buffer, at least one frame.
func (c PipelineConfig) bufferFrames() int {
	return max(int(c.FrameBuffer/FrameDuration), 1)
}

// EventType identifies a pipeline event.
type EventType int

const (
	EventFinished EventType = iota
	EventStuck
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventFinished:
		return "finished"
	case EventStuck:
		return "stuck"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is emitted by the consumer goroutine. Finished and Failed are terminal.
type Event struct {
	Type      EventType
	Err       error
	Threshold time.Duration
}

type frame struct {
	gen   uint64
	pcm   []int16
	ratio float64
}

// Pipeline plays one track.
type Pipeline struct {
	cfg     PipelineConfig
	opener  Opener
	encoder Encoder
	sink    VoiceSink
	counter *FrameCounter
	logger  *log.Logger

	frames chan frame
	seekCh chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	position atomic.Int64
	paused   atomic.Bool
	gen      atomic.Uint64
	eof      atomic.Bool

	mu           sync.Mutex
	uri          string
	seekPending  bool
	seekTarget   int64
	filters      Filters
	filtersDirty bool
	volume       float64
	err          error
}

// NewPipeline creates a stopped pipeline. counter may be shared by all pipelines of a player.
func NewPipeline(cfg PipelineConfig, opener Opener, encoder Encoder, sink VoiceSink, counter *FrameCounter, logger *log.Logger) *Pipeline {
	if cfg.Interval <= 0 {
		cfg.Interval = FrameDuration
	}
	if cfg.ResampleQuality <= 0 {
		cfg.ResampleQuality = 3
	}
	if sink == nil {
		sink = &DiscardSink{}
	}
	if counter == nil {
		counter = &FrameCounter{}
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Pipeline{
		cfg:     cfg,
		opener:  opener,
		encoder: encoder,
		sink:    sink,
		counter: counter,
		logger:  logger,
		frames:  make(chan frame, cfg.bufferFrames()),
		seekCh:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		volume:  1,
	}
}

// Start opens uri at startMs and begins playback. onEvent is called from the pipeline's goroutine.
func (p *Pipeline) Start(ctx context.Context, uri string, startMs int64, filters Filters, volume int, onEvent func(Event)) error {
	ctx, cancel := context.WithCancel(ctx)

	stream, format, err := p.opener.Open(ctx, uri, startMs)
	if err != nil {
		cancel()
		return err
	}

	p.mu.Lock()
	p.uri = uri
	p.filters = filters
	p.volume = float64(volume) / 100
	p.mu.Unlock()

	p.cancel = cancel
	p.position.Store(startMs)
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.produce(ctx, stream, format)
	}()
	go func() {
		defer wg.Done()
		p.consume(ctx, onEvent)
		cancel()
	}()
	go func() {
		wg.Wait()
		close(p.done)
	}()

	return nil
}

// Stop ends playback without emitting an event. It does not wait; use [Pipeline.Done].
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Done is closed once both goroutines have exited and the decoder is closed.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Position is the playback position in milliseconds.
func (p *Pipeline) Position() int64 {
	return p.position.Load()
}

// SetPaused pauses or resumes frame delivery.
func (p *Pipeline) SetPaused(paused bool) {
	p.paused.Store(paused)
}

// Paused reports whether delivery is paused.
func (p *Pipeline) Paused() bool {
	return p.paused.Load()
}

// Seek moves playback to ms. Buffered frames are dropped unless seek ghosting is on.
func (p *Pipeline) Seek(ms int64) {
	p.mu.Lock()
	p.seekPending = true
	p.seekTarget = ms
	p.gen.Add(1)
	p.mu.Unlock()

	p.position.Store(ms)
	p.eof.Store(false)
	select {
	case p.seekCh <- struct{}{}:
	default:
	}
}

// SetFilters replaces the filter chain from the next frame on.
func (p *Pipeline) SetFilters(f Filters) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = f
	p.filtersDirty = true
}

// SetVolume sets the player volume in percent, 100 being unchanged.
func (p *Pipeline) SetVolume(percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = float64(percent) / 100
}

func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *Pipeline) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) base(s beep.Streamer, format beep.Format) beep.Streamer {
	if format.SampleRate != 0 && format.SampleRate != SampleRate {
		return beep.Resample(p.cfg.ResampleQuality, format.SampleRate, SampleRate, s)
	}
	return s
}

func (p *Pipeline) produce(ctx context.Context, stream Stream, format beep.Format) {
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()

	p.mu.Lock()
	filters := p.filters
	gen := p.gen.Load()
	p.mu.Unlock()

	base := p.base(stream, format)
	chain := filters.Chain(base, SampleRate, p.cfg.ResampleQuality)
	ratio := filters.Ratio()
	buf := make([][2]float64, FrameSamples)

	for {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		seek, target := p.seekPending, p.seekTarget
		dirty := p.filtersDirty
		filters = p.filters
		volume := p.volume
		if seek {
			p.seekPending = false
			gen = p.gen.Load()
		}
		p.filtersDirty = false
		p.mu.Unlock()

		if seek {
			select {
			case <-p.seekCh:
			default:
			}

			var err error
			stream, format, err = p.reposition(ctx, stream, format, target)
			if err != nil {
				p.fail(fmt.Errorf("seek to %dms failed: %w", target, err))
				return
			}
			base = p.base(stream, format)
			dirty = true
		}
		if dirty {
			chain = filters.Chain(base, SampleRate, p.cfg.ResampleQuality)
			ratio = filters.Ratio()
		}

		n := fill(chain, buf)
		if n == 0 {
			if err := chain.Err(); err != nil {
				p.fail(err)
				return
			}
			p.eof.Store(true)
			select {
			case <-ctx.Done():
				return
			case <-p.seekCh:
				p.mu.Lock()
				p.seekPending = true
				p.mu.Unlock()
				continue
			}
		}

		f := frame{gen: gen, pcm: toPCM(buf[:n], volume), ratio: ratio}
		select {
		case p.frames <- f:
		case <-p.seekCh:
			p.mu.Lock()
			p.seekPending = true
			p.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// reposition seeks in place when the stream supports it and reopens the source otherwise.
func (p *Pipeline) reposition(ctx context.Context, stream Stream, format beep.Format, target int64) (Stream, beep.Format, error) {
	if seeker, ok := stream.(beep.StreamSeeker); ok {
		if err := seekMs(seeker, format, target); err == nil {
			return stream, format, nil
		}
	}
	stream.Close()

	p.mu.Lock()
	uri := p.uri
	p.mu.Unlock()
	return p.opener.Open(ctx, uri, target)
}

func (p *Pipeline) consume(ctx context.Context, onEvent func(Event)) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	lastFrame := time.Now()
	stuck := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if p.paused.Load() {
			lastFrame = time.Now()
			continue
		}

		if f, ok := p.nextFrame(); ok {
			lastFrame, stuck = time.Now(), false
			p.deliver(f)
			continue
		}

		if err := p.failure(); err != nil {
			onEvent(Event{Type: EventFailed, Err: err})
			return
		}
		if p.eof.Load() {
			if f, ok := p.nextFrame(); ok {
				p.deliver(f)
				continue
			}
			onEvent(Event{Type: EventFinished})
			return
		}

		p.counter.nulled.Add(1)
		if !stuck && time.Since(lastFrame) >= p.cfg.StuckThreshold {
			stuck = true
			onEvent(Event{Type: EventStuck, Threshold: p.cfg.StuckThreshold})
		}
	}
}

// nextFrame takes a buffered frame, skipping frames from before a seek unless ghosting.
func (p *Pipeline) nextFrame() (frame, bool) {
	for {
		select {
		case f := <-p.frames:
			if f.gen != p.gen.Load() && !p.cfg.SeekGhosting {
				continue
			}
			return f, true
		default:
			return frame{}, false
		}
	}
}

func (p *Pipeline) deliver(f frame) {
	packet, err := p.encoder.Encode(f.pcm)
	if err != nil {
		p.logger.Warn("failed to encode frame", "error", err)
		p.counter.nulled.Add(1)
		return
	}
	if err := p.sink.SendFrame(packet); err != nil {
		p.logger.Warn("voice sink rejected frame", "error", err)
		p.counter.nulled.Add(1)
		return
	}
	p.counter.sent.Add(1)

	if f.gen == p.gen.Load() {
		p.position.Add(int64(float64(FrameDuration.Milliseconds()) * f.ratio))
	}
}

func fill(s beep.Streamer, buf [][2]float64) int {
	n := 0
	for n < len(buf) {
		m, ok := s.Stream(buf[n:])
		n += m
		if !ok || m == 0 {
			break
		}
	}
	return n
}

// toPCM converts samples to an interleaved int16 frame padded with silence.
func toPCM(samples [][2]float64, volume float64) []int16 {
	pcm := make([]int16, FrameSamples*2)
	for i, s := range samples {
		pcm[i*2] = toInt16(s[0] * volume)
		pcm[i*2+1] = toInt16(s[1] * volume)
	}
	return pcm
}

func toInt16(v float64) int16 {
	return int16(clamp(v) * 32767)
}
