package player

import (
	"time"

	"github.com/desertthunder/waveline/internal/models"
)

// Websocket message ops.
const (
	OpReady        = "ready"
	OpPlayerUpdate = "playerUpdate"
	OpStats        = "stats"
	OpEvent        = "event"
)

// EventType names an event message.
type EventType string

const (
	TrackStartEvent      EventType = "TrackStartEvent"
	TrackEndEvent        EventType = "TrackEndEvent"
	TrackExceptionEvent  EventType = "TrackExceptionEvent"
	TrackStuckEvent      EventType = "TrackStuckEvent"
	WebSocketClosedEvent EventType = "WebSocketClosedEvent"
)

// EndReason is the reason of a TrackEndEvent.
type EndReason string

const (
	ReasonFinished   EndReason = "finished"
	ReasonLoadFailed EndReason = "loadFailed"
	ReasonStopped    EndReason = "stopped"
	ReasonReplaced   EndReason = "replaced"
	ReasonCleanup    EndReason = "cleanup"
)

// MayStartNext reports whether a client should continue with its queue.
func (r EndReason) MayStartNext() bool {
	return r == ReasonFinished || r == ReasonLoadFailed
}

// ReadyMessage is the first message of every websocket connection.
type ReadyMessage struct {
	Op        string `json:"op"`
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

// State is the live state of a player.
type State struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"`
}

// PlayerUpdateMessage is sent every playerUpdateInterval for each playing player.
type PlayerUpdateMessage struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	State   State  `json:"state"`
}

// StatsMessage wraps node statistics for the websocket.
type StatsMessage struct {
	Op string `json:"op"`
	models.Stats
}

// NewStatsMessage builds a stats message.
func NewStatsMessage(stats models.Stats) StatsMessage {
	return StatsMessage{Op: OpStats, Stats: stats}
}

// EventMessage is a player event. Fields are set according to Type.
type EventMessage struct {
	Op          string            `json:"op"`
	Type        EventType         `json:"type"`
	GuildID     string            `json:"guildId"`
	Track       *models.Track     `json:"track,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Exception   *models.Exception `json:"exception,omitempty"`
	ThresholdMs int64             `json:"thresholdMs,omitempty"`
	Code        int               `json:"code,omitempty"`
	ByRemote    *bool             `json:"byRemote,omitempty"`
}

func event(t EventType, guildID string, track *models.Track) EventMessage {
	return EventMessage{Op: OpEvent, Type: t, GuildID: guildID, Track: track}
}

func endEvent(guildID string, track models.Track, reason EndReason) EventMessage {
	e := event(TrackEndEvent, guildID, &track)
	e.Reason = string(reason)
	return e
}

func exceptionEvent(guildID string, track models.Track, ex models.Exception) EventMessage {
	e := event(TrackExceptionEvent, guildID, &track)
	e.Exception = &ex
	return e
}

func stuckEvent(guildID string, track models.Track, threshold time.Duration) EventMessage {
	e := event(TrackStuckEvent, guildID, &track)
	e.ThresholdMs = threshold.Milliseconds()
	return e
}

func closedEvent(guildID string, code int, reason string, byRemote bool) EventMessage {
	e := event(WebSocketClosedEvent, guildID, nil)
	e.Code = code
	e.Reason = reason
	e.ByRemote = &byRemote
	return e
}
