package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/desertthunder/waveline/internal/models"
)

// DefaultInterval is the stats polling interval.
const DefaultInterval = 5 * time.Second

const gaugeWidth = 24

// ViewState represents the current view in the TUI.
type ViewState int

const (
	OverviewView ViewState = iota
	FeaturesView
)

// Client reads node state; services.APIService implements it.
type Client interface {
	Info(ctx context.Context) (*models.NodeInfo, error)
	Stats(ctx context.Context) (*models.Stats, error)
}

// Model represents the TUI application state.
type Model struct {
	ctx      context.Context
	client   Client
	interval time.Duration
	view     ViewState
	width    int
	height   int
	info     *models.NodeInfo
	stats    *models.Stats
	updated  time.Time
	features list.Model
	ready    bool
	err      error
	help     help.Model
	keys     keyMap
}

// NewModel creates a dashboard polling client every interval.
func NewModel(ctx context.Context, client Client, interval time.Duration) *Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Model{
		ctx:      ctx,
		client:   client,
		interval: interval,
		view:     OverviewView,
		help:     help.New(),
		keys:     newKeyMap(),
	}
}

// Init fetches info and stats and starts polling.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchInfo(), m.fetchStats(), m.tick())
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.ready {
			m.features.SetSize(msg.Width-4, msg.Height-8)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKeys(msg)

	case Msg:
		return m.handleMsg(msg)
	}

	return m, nil
}

func (m *Model) handleKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.refresh):
		return m, tea.Batch(m.fetchInfo(), m.fetchStats())
	case key.Matches(msg, m.keys.tab):
		if m.view == OverviewView {
			m.view = FeaturesView
		} else {
			m.view = OverviewView
		}
		return m, nil
	}

	if m.view == FeaturesView && m.ready {
		var cmd tea.Cmd
		m.features, cmd = m.features.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleMsg(msg Msg) (tea.Model, tea.Cmd) {
	switch msg.kind {
	case MsgInfoFetched:
		res := msg.data.(infoResult)
		if res.err != nil {
			m.err = res.err
			return m, nil
		}
		m.err = nil
		m.info = res.info
		m.features = list.New(infoItems(res.info), list.NewDefaultDelegate(), 0, 0)
		m.features.Title = "Sources, filters and plugins"
		m.features.SetSize(m.width-4, m.height-8)
		m.ready = true
		return m, nil

	case MsgStatsFetched:
		res := msg.data.(statsResult)
		if res.err != nil {
			m.err = res.err
			return m, nil
		}
		m.err = nil
		m.stats = res.stats
		m.updated = res.at
		return m, nil

	case MsgTick:
		return m, tea.Batch(m.fetchStats(), m.tick())
	}
	return m, nil
}

func (m *Model) fetchInfo() tea.Cmd {
	return func() tea.Msg {
		info, err := m.client.Info(m.ctx)
		return infoFetchedMsg(info, err)
	}
}

func (m *Model) fetchStats() tea.Cmd {
	return func() tea.Msg {
		stats, err := m.client.Stats(m.ctx)
		return statsFetchedMsg(stats, time.Now(), err)
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	var body string
	switch m.view {
	case FeaturesView:
		body = m.renderFeatures()
	default:
		body = m.renderOverview()
	}

	if m.err != nil {
		body += "\n" + styles.err.Render(fmt.Sprintf("Error: %v", m.err))
	}
	return fmt.Sprintf("%s\n\n%s", body, m.help.ShortHelpView(m.keys.ShortHelp()))
}

func (m *Model) renderOverview() string {
	title := styles.title.Render("waveline")
	if m.info != nil {
		title = styles.title.Render(fmt.Sprintf("waveline %s", m.info.Version.Semver))
	}
	if m.stats == nil {
		return title + "\n" + styles.help.Render("Waiting for stats...")
	}

	s := m.stats
	row := func(label, value string) string {
		return styles.label.Render(label) + value
	}

	rows := []string{
		row("Players", fmt.Sprintf("%d (%d playing)", s.Players, s.PlayingPlayers)),
		row("Uptime", FormatUptime(s.Uptime)),
		"",
		row("Memory used", fmt.Sprintf("%s / %s", FormatBytes(s.Memory.Used), FormatBytes(s.Memory.Allocated))),
		row("Memory free", FormatBytes(s.Memory.Free)),
		row("Reservable", FormatBytes(s.Memory.Reservable)),
		"",
		row("CPU cores", fmt.Sprintf("%d", s.CPU.Cores)),
		row("System load", fmt.Sprintf("%s %5.1f%%", styles.gauge(s.CPU.SystemLoad, gaugeWidth), s.CPU.SystemLoad*100)),
		row("Node load", fmt.Sprintf("%s %5.1f%%", styles.gauge(s.CPU.NodeLoad, gaugeWidth), s.CPU.NodeLoad*100)),
		"",
		row("Frames", formatFrames(s.FrameStats)),
	}
	if m.info != nil {
		rows = append(rows, "",
			row("Sources", strings.Join(m.info.SourceManagers, ", ")),
			row("Filters", strings.Join(m.info.Filters, ", ")),
		)
	}

	box := styles.box.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
	updated := styles.help.Render("updated " + m.updated.Format(time.TimeOnly))
	return fmt.Sprintf("%s\n%s\n%s", title, box, updated)
}

func (m *Model) renderFeatures() string {
	if !m.ready {
		return styles.help.Render("Waiting for node info...")
	}
	return m.features.View()
}

func formatFrames(f *models.FrameStats) string {
	if f == nil {
		return styles.help.Render("n/a")
	}
	text := fmt.Sprintf("sent %d, nulled %d, deficit %d", f.Sent, f.Nulled, f.Deficit)
	if f.Nulled > 0 || f.Deficit > 0 {
		return styles.warn.Render(text)
	}
	return text
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatUptime renders milliseconds as a duration rounded to seconds.
func FormatUptime(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}
