package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/waveline/internal/models"
)

// MsgKind enumerates all message types in the application.
type MsgKind int

// Msg represents all possible messages in the TUI (Elm-style message union).
type Msg struct {
	kind MsgKind
	data any
}

var (
	_ tea.Msg = Msg{}
)

const (
	MsgInfoFetched MsgKind = iota
	MsgStatsFetched
	MsgTick
)

type infoResult struct {
	info *models.NodeInfo
	err  error
}

type statsResult struct {
	stats *models.Stats
	at    time.Time
	err   error
}

// infoFetchedMsg is the constructor for [MsgInfoFetched]
func infoFetchedMsg(info *models.NodeInfo, err error) Msg {
	return Msg{kind: MsgInfoFetched, data: infoResult{info, err}}
}

// statsFetchedMsg is the constructor for [MsgStatsFetched]
func statsFetchedMsg(stats *models.Stats, at time.Time, err error) Msg {
	return Msg{kind: MsgStatsFetched, data: statsResult{stats, at, err}}
}

// tickMsg is the constructor for [MsgTick]
func tickMsg(t time.Time) Msg {
	return Msg{kind: MsgTick, data: t}
}
