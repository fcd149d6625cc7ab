package player

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/waveline/internal/audio"
	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

const (
	defaultVolume         = 100
	defaultUpdateInterval = 5 * time.Second
	endTimeResolution     = 50 * time.Millisecond
)

// Loader resolves identifiers set through the identifier field of an update.
type Loader interface {
	LoadItem(ctx context.Context, identifier string) *models.LoadResult
}

// Resolver turns track metadata into something the decoder can open.
type Resolver interface {
	StreamURL(ctx context.Context, info models.TrackInfo) (string, models.TrackInfo, error)
}

// TrackObserver is told about track starts and ends, outside the player's goroutines.
// played is the wall clock time since the track started, independent of seeks.
type TrackObserver interface {
	OnTrackStart(ctx context.Context, track models.Track, listeners []string)
	OnTrackEnd(ctx context.Context, track models.Track, reason string, played time.Duration, listeners []string)
}

// Sender receives websocket messages of a player.
type Sender interface {
	Send(msg any)
}

// Deps are shared by every player of a node.
type Deps struct {
	Loader     Loader
	Resolver   Resolver
	Opener     audio.Opener
	NewEncoder func() (audio.Encoder, error)
	// NewSink returns the voice sink of a guild. Nil discards frames.
	NewSink        func(guildID string, voice VoiceState) audio.VoiceSink
	Pipeline       audio.PipelineConfig
	Filters        shared.FiltersConfig
	UpdateInterval time.Duration
	Observer       TrackObserver
	Logger         *log.Logger
}

// Status is the playback state of a player.
type Status int

const (
	Idle Status = iota
	Playing
	Paused
)

func (s Status) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "idle"
	}
}

// Info is the JSON form of a player.
type Info struct {
	GuildID string        `json:"guildId"`
	Track   *models.Track `json:"track"`
	Volume  int           `json:"volume"`
	Paused  bool          `json:"paused"`
	State   State         `json:"state"`
	Voice   VoiceState    `json:"voice"`
	Filters audio.Filters `json:"filters"`
}

// Player plays tracks for one guild.
//
// Update and Destroy are serialized. Pipeline events are handled on the pipeline's goroutine and
// only act while their pipeline is still current.
type Player struct {
	guildID string
	deps    *Deps
	events  Sender
	logger  *log.Logger
	counter *audio.FrameCounter

	ctx    context.Context
	cancel context.CancelFunc

	updateMu sync.Mutex

	mu          sync.Mutex
	track       *models.Track
	pipeline    *audio.Pipeline
	volume      int
	paused      bool
	filters     audio.Filters
	voice       VoiceState
	voiceClosed bool
	endTime     int64
	listeners   []string
	// started is the wall clock start of the current track; seeking does not move it.
	started time.Time
}

func newPlayer(guildID string, deps *Deps, events Sender) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	p := &Player{
		guildID: guildID,
		deps:    deps,
		events:  events,
		logger:  shared.WithLogger(logger, "guild", guildID),
		counter: &audio.FrameCounter{},
		ctx:     ctx,
		cancel:  cancel,
		volume:  defaultVolume,
	}
	go p.run()
	return p
}

// GuildID returns the guild the player belongs to.
func (p *Player) GuildID() string {
	return p.guildID
}

// Counter returns the frame counter shared by the player's pipelines.
func (p *Player) Counter() *audio.FrameCounter {
	return p.counter
}

// Status returns Idle without a track, otherwise Playing or Paused.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.track == nil:
		return Idle
	case p.paused:
		return Paused
	default:
		return Playing
	}
}

// Position is the playback position in milliseconds, 0 when idle.
func (p *Player) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *Player) positionLocked() int64 {
	if p.pipeline == nil {
		return 0
	}
	return p.pipeline.Position()
}

// State returns the state sent in playerUpdate messages.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Player) stateLocked() State {
	connected := p.voice.Complete() && !p.voiceClosed
	ping := int64(-1)
	if connected {
		ping = 0
	}
	return State{
		Time:      time.Now().UnixMilli(),
		Position:  p.positionLocked(),
		Connected: connected,
		Ping:      ping,
	}
}

// Info returns a snapshot of the player.
func (p *Player) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	var track *models.Track
	if p.track != nil {
		t := *p.track
		t.Info.Position = p.positionLocked()
		track = &t
	}
	return Info{
		GuildID: p.guildID,
		Track:   track,
		Volume:  p.volume,
		Paused:  p.paused,
		State:   p.stateLocked(),
		Voice:   p.voice,
		Filters: p.filters,
	}
}

// Update applies a player update. With noReplace a playing track is kept.
//
// Load failures of the new track are reported as events, not as errors.
func (p *Player) Update(ctx context.Context, u Update, noReplace bool) error {
	if err := u.Validate(p.deps.Filters); err != nil {
		return err
	}

	p.updateMu.Lock()
	defer p.updateMu.Unlock()

	p.mu.Lock()
	if u.Voice != nil {
		p.voice = *u.Voice
		p.voiceClosed = false
	}
	if u.Volume != nil {
		p.volume = *u.Volume
		if p.pipeline != nil {
			p.pipeline.SetVolume(p.volume)
		}
	}
	if u.Filters != nil {
		p.filters = *u.Filters
		if p.pipeline != nil {
			p.pipeline.SetFilters(p.filters)
		}
	}
	if u.Paused != nil {
		p.paused = *u.Paused
		if p.pipeline != nil {
			p.pipeline.SetPaused(p.paused)
		}
	}
	if u.Listeners != nil {
		p.listeners = slices.Clone(*u.Listeners)
	}
	playing := p.track != nil
	p.mu.Unlock()

	encoded, identifier, userData := u.trackChange()
	switch {
	case encoded.Set && encoded.Value == nil:
		p.stop(ReasonStopped)
	case (encoded.Value != nil || identifier != nil) && !(noReplace && playing):
		track, err := p.resolve(ctx, encoded.Value, identifier)
		if err != nil {
			return err
		}
		if userData != nil {
			track.UserData = userData
		}
		var start int64
		if u.Position != nil {
			start = *u.Position
		}
		p.play(track, start)
	default:
		if u.Position != nil {
			p.seek(*u.Position)
		}
	}

	if u.EndTime.Set {
		p.mu.Lock()
		p.endTime = 0
		if u.EndTime.Value != nil {
			p.endTime = *u.EndTime.Value
		}
		p.mu.Unlock()
	}
	return nil
}

func (p *Player) resolve(ctx context.Context, encoded, identifier *string) (models.Track, error) {
	if encoded != nil {
		track, err := codec.DecodeTrack(*encoded)
		if err != nil {
			return models.Track{}, fmt.Errorf("%w: %v", shared.ErrInvalidTrack, err)
		}
		return track, nil
	}

	result := p.deps.Loader.LoadItem(ctx, *identifier)
	if ex, ok := result.Exception(); ok {
		return models.Track{}, shared.Friendly(ex.Message, shared.ErrTrackNotFound)
	}
	track, ok := result.First()
	if !ok {
		return models.Track{}, fmt.Errorf("%w: no track for %q", shared.ErrTrackNotFound, *identifier)
	}
	return track, nil
}

// play replaces the current track. It runs with updateMu held.
func (p *Player) play(track models.Track, startMs int64) {
	p.stop(ReasonReplaced)

	url, info, err := p.deps.Resolver.StreamURL(p.ctx, track.Info)
	if err != nil {
		p.loadFailed(track, err)
		return
	}
	if info.Identifier != track.Info.Identifier {
		p.logger.Debug("playing mirror", "track", track.Info.Title, "mirror", info.SourceName, "id", info.Identifier)
	}

	encoder, err := p.deps.NewEncoder()
	if err != nil {
		p.loadFailed(track, err)
		return
	}

	p.mu.Lock()
	var sink audio.VoiceSink
	if p.deps.NewSink != nil {
		sink = p.deps.NewSink(p.guildID, p.voice)
	}
	pl := audio.NewPipeline(p.deps.Pipeline, p.deps.Opener, encoder, sink, p.counter, p.logger)
	pl.SetPaused(p.paused)
	filters, volume := p.filters, p.volume
	p.track, p.pipeline, p.endTime = &track, pl, 0
	p.started = time.Now()
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()

	started := make(chan struct{})
	onEvent := func(e audio.Event) {
		<-started
		p.onPipelineEvent(pl, e)
	}

	if err := pl.Start(p.ctx, url, startMs, filters, volume, onEvent); err != nil {
		close(started)
		p.mu.Lock()
		if p.pipeline == pl {
			p.track, p.pipeline = nil, nil
		}
		p.mu.Unlock()
		p.loadFailed(track, err)
		return
	}

	p.logger.Info("track started", "title", track.Info.Title, "source", track.Info.SourceName, "position", startMs)
	p.events.Send(event(TrackStartEvent, p.guildID, &track))
	if obs := p.deps.Observer; obs != nil {
		go obs.OnTrackStart(context.Background(), track, listeners)
	}
	close(started)
}

func (p *Player) onPipelineEvent(pl *audio.Pipeline, e audio.Event) {
	p.mu.Lock()
	if p.pipeline != pl {
		p.mu.Unlock()
		return
	}
	track := *p.track
	p.mu.Unlock()

	switch e.Type {
	case audio.EventFinished:
		p.end(pl, ReasonFinished)
	case audio.EventStuck:
		p.logger.Warn("track stuck", "title", track.Info.Title, "threshold", e.Threshold)
		p.events.Send(stuckEvent(p.guildID, track, e.Threshold))
		p.end(pl, ReasonLoadFailed)
	case audio.EventFailed:
		p.events.Send(exceptionEvent(p.guildID, track, exceptionFor(e.Err)))
		p.end(pl, ReasonLoadFailed)
	}
}

func (p *Player) loadFailed(track models.Track, err error) {
	p.logger.Warn("failed to play track", "title", track.Info.Title, "error", err)
	p.events.Send(exceptionEvent(p.guildID, track, exceptionFor(err)))
	p.events.Send(endEvent(p.guildID, track, ReasonLoadFailed))
}

// stop ends whatever track is playing.
func (p *Player) stop(reason EndReason) {
	p.mu.Lock()
	pl := p.pipeline
	p.mu.Unlock()
	if pl != nil {
		p.end(pl, reason)
	}
}

// end ends the track of pl if pl is still current.
func (p *Player) end(pl *audio.Pipeline, reason EndReason) {
	p.mu.Lock()
	if p.pipeline != pl || pl == nil {
		p.mu.Unlock()
		return
	}
	track := *p.track
	position := pl.Position()
	played := time.Since(p.started)
	listeners := slices.Clone(p.listeners)
	p.track, p.pipeline, p.endTime = nil, nil, 0
	p.mu.Unlock()

	pl.Stop()
	track.Info.Position = position

	p.logger.Info("track ended", "title", track.Info.Title, "reason", reason)
	p.events.Send(endEvent(p.guildID, track, reason))
	if obs := p.deps.Observer; obs != nil {
		go obs.OnTrackEnd(context.Background(), track, string(reason), played, listeners)
	}
}

func (p *Player) seek(ms int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pipeline == nil || p.track.Info.IsStream {
		return
	}
	if length := p.track.Info.Length; length > 0 && ms > length {
		ms = length
	}
	p.pipeline.Seek(ms)
}

// VoiceClosed marks the voice connection closed and emits a WebSocketClosedEvent.
func (p *Player) VoiceClosed(code int, reason string, byRemote bool) {
	p.mu.Lock()
	p.voiceClosed = true
	p.mu.Unlock()
	p.events.Send(closedEvent(p.guildID, code, reason, byRemote))
}

// Destroy ends the current track with reason cleanup and stops the player's goroutine.
func (p *Player) Destroy() {
	p.updateMu.Lock()
	defer p.updateMu.Unlock()
	p.stop(ReasonCleanup)
	p.cancel()
}

func (p *Player) run() {
	interval := p.deps.UpdateInterval
	if interval <= 0 {
		interval = defaultUpdateInterval
	}
	updates := time.NewTicker(interval)
	defer updates.Stop()
	clock := time.NewTicker(endTimeResolution)
	defer clock.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-updates.C:
			p.sendUpdate()
		case <-clock.C:
			p.checkEndTime()
		}
	}
}

func (p *Player) sendUpdate() {
	p.mu.Lock()
	if p.track == nil {
		p.mu.Unlock()
		return
	}
	state := p.stateLocked()
	p.mu.Unlock()
	p.events.Send(PlayerUpdateMessage{Op: OpPlayerUpdate, GuildID: p.guildID, State: state})
}

func (p *Player) checkEndTime() {
	p.mu.Lock()
	pl, endTime := p.pipeline, p.endTime
	p.mu.Unlock()
	if pl != nil && endTime > 0 && pl.Position() >= endTime {
		p.end(pl, ReasonFinished)
	}
}

// exceptionFor classifies err the way load results are classified.
func exceptionFor(err error) models.Exception {
	var friendly *shared.FriendlyError
	switch {
	case errors.As(err, &friendly):
		return models.Exception{Message: friendly.Message, Severity: models.SeverityCommon, Cause: err.Error()}
	case errors.Is(err, shared.ErrAPIRequest), errors.Is(err, shared.ErrSourceDisabled):
		return models.Exception{Message: "Something went wrong while playing the track.", Severity: models.SeveritySuspicious, Cause: err.Error()}
	default:
		shared.CaptureError(err, map[string]string{"component": "player"})
		return models.Exception{Message: "Something broke when playing the track.", Severity: models.SeverityFault, Cause: err.Error()}
	}
}
